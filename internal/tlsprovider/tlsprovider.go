// Package tlsprovider builds a *tls.Config from one of three cert
// sources: a filesystem PEM pair, an in-memory PEM pair (with optional
// encrypted-key password), or a self-signed certificate generated at
// load time for development use.
//
// The handshake itself is delegated to crypto/tls; this package's job
// is only to assemble the *tls.Config.
package tlsprovider

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Config describes how to obtain a certificate and which handshake
// parameters to enforce.
type Config struct {
	// Source selects exactly one of the cert sources below.
	Source CertSource
	// MinVersion defaults to tls.VersionTLS12 when zero.
	MinVersion uint16
	// CipherSuites is optional; nil lets crypto/tls choose.
	CipherSuites []uint16
}

// CertSource is a sum type over the three ways to obtain a certificate.
// Exactly one concrete implementation should be set on Config.Source.
type CertSource interface {
	isCertSource()
}

// FileCertSource loads a PEM certificate and key from disk via
// tls.LoadX509KeyPair.
type FileCertSource struct {
	CertPath string
	KeyPath  string
}

func (FileCertSource) isCertSource() {}

// MemoryCertSource carries PEM-encoded certificate and key bytes
// in-memory, with an optional password if the key is encrypted.
type MemoryCertSource struct {
	CertPEM      []byte
	KeyPEM       []byte
	KeyPassword  string
}

func (MemoryCertSource) isCertSource() {}

// SelfSignedCertSource generates a throwaway certificate for the given
// common name at load time. Development use only.
type SelfSignedCertSource struct {
	CommonName string
}

func (SelfSignedCertSource) isCertSource() {}

// Build assembles a *tls.Config ready to hand to Conn.StartTLS.
func Build(cfg Config) (*tls.Config, error) {
	cert, err := loadCertificate(cfg.Source)
	if err != nil {
		return nil, err
	}
	minVersion := cfg.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		CipherSuites: cfg.CipherSuites,
	}, nil
}

func loadCertificate(src CertSource) (tls.Certificate, error) {
	switch s := src.(type) {
	case FileCertSource:
		cert, err := tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("tlsprovider: loading cert/key files: %w", err)
		}
		return cert, nil
	case MemoryCertSource:
		return loadMemoryCertificate(s)
	case SelfSignedCertSource:
		return generateSelfSigned(s.CommonName)
	default:
		return tls.Certificate{}, errors.New("tlsprovider: no certificate source configured")
	}
}

func loadMemoryCertificate(s MemoryCertSource) (tls.Certificate, error) {
	keyPEM := s.KeyPEM
	if s.KeyPassword != "" {
		block, _ := pem.Decode(s.KeyPEM)
		if block == nil {
			return tls.Certificate{}, errors.New("tlsprovider: invalid key PEM")
		}
		//lint:ignore SA1019 no PKCS8-password helper exists in the
		// dependency pack; this mirrors the stdlib's own (deprecated)
		// support for encrypted PKCS#1 keys, which is still the only
		// way to decrypt one without pulling in a PKCS#8 library.
		decrypted, err := x509.DecryptPEMBlock(block, []byte(s.KeyPassword))
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("tlsprovider: decrypting private key: %w", err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: decrypted})
	}
	cert, err := tls.X509KeyPair(s.CertPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsprovider: parsing in-memory cert/key: %w", err)
	}
	return cert, nil
}

// generateSelfSigned mints a short-lived RSA certificate.
func generateSelfSigned(commonName string) (tls.Certificate, error) {
	if commonName == "" {
		commonName = "localhost"
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsprovider: generating key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		DNSNames:     []string{commonName},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsprovider: creating self-signed certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return tls.X509KeyPair(certPEM, keyPEM)
}
