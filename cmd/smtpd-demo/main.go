// Command smtpd-demo wires the smtpd package into a runnable server:
// JSON configuration loading, Maildir persistence, and an optional SPF
// policy check, none of which the core package does itself.
package main

import (
	"flag"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/inboundmail/smtpd"
	"github.com/inboundmail/smtpd/internal/tlsprovider"
)

func main() {
	configPath := flag.String("config", "smtpd.json", "path to JSON configuration file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	var fc fileConfig
	if err := decodeFile(*configPath, &fc); err != nil {
		log.WithError(err).Fatal("loading configuration")
	}

	cfg := smtpd.Config{
		Domain: fc.Domain,
		Port:   fc.Port,
		Logger: log,
	}
	if fc.TLSCertPath != "" && fc.TLSKeyPath != "" {
		cfg.TLS = &tlsprovider.Config{
			Source: tlsprovider.FileCertSource{
				CertPath: fc.TLSCertPath,
				KeyPath:  fc.TLSKeyPath,
			},
		}
	}

	srv := smtpd.New(cfg)

	var sink *maildirSink
	if fc.MaildirPath != "" {
		var err error
		sink, err = newMaildirSink(fc.MaildirPath, log)
		if err != nil {
			log.WithError(err).Fatal("maildir init")
		}
	}

	srv.SetMessageHandler(func(msg smtpd.Message) {
		if fc.CheckSPF {
			// Message carries {from, recipients, data} only; it does not
			// track the peer's IP once a message commits, so this demo
			// checks against the unspecified address. A real embedder
			// wanting accurate SPF would capture the remote IP at accept
			// time and thread it through its own handler closure instead.
			checkSenderSPF(log, net.IPv4zero, fc.Domain, msg.From)
		}
		if sink != nil {
			sink.deliver(msg)
		} else {
			log.WithFields(logrus.Fields{
				"from":       msg.From,
				"recipients": msg.Recipients,
				"bytes":      len(msg.Data),
			}).Info("message received")
		}
	})

	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("server stopped")
		os.Exit(1)
	}
}
