package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// fileConfig is the on-disk shape for this demo command. smtpd.Config
// has no opinion on configuration file format; this is just one way an
// embedder might load it.
type fileConfig struct {
	Domain       string `json:"domain"`
	Port         int    `json:"port"`
	MaildirPath  string `json:"maildir_path"`
	TLSCertPath  string `json:"tls_cert_path"`
	TLSKeyPath   string `json:"tls_key_path"`
	CheckSPF     bool   `json:"check_spf"`
}

// decodeFile loads JSON configuration into object.
func decodeFile(fileName string, object interface{}) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("could not open file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(object); err != nil {
		return fmt.Errorf("could not parse file: %w", err)
	}
	return nil
}
