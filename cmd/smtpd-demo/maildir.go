package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	maildir "github.com/sloonz/go-maildir"

	"github.com/inboundmail/smtpd"
)

// maildirSink persists every committed message to a Maildir, the way an
// embedder would plug in durable storage. smtpd.Server has no
// persistence of its own; this is that collaborator, demonstrated.
type maildirSink struct {
	dir maildir.Dir
	log logrus.FieldLogger
}

func newMaildirSink(path string, log logrus.FieldLogger) (*maildirSink, error) {
	dir := maildir.Dir(path)
	if err := dir.Init(); err != nil {
		return nil, fmt.Errorf("maildir: init %s: %w", path, err)
	}
	return &maildirSink{dir: dir, log: log}, nil
}

// deliver writes the raw message to the Maildir's new/ subdirectory.
func (m *maildirSink) deliver(msg smtpd.Message) {
	delivery, err := m.dir.NewDelivery()
	if err != nil {
		m.log.WithError(err).Error("maildir: delivery open failed")
		return
	}
	defer delivery.Close()

	if _, err := delivery.Write(renderMessage(msg)); err != nil {
		m.log.WithError(err).Error("maildir: write failed")
		return
	}
	m.log.WithFields(logrus.Fields{
		"from":       msg.From,
		"recipients": len(msg.Recipients),
		"bytes":      len(msg.Data),
	}).Info("maildir: message delivered")
}

// renderMessage prepends a minimal envelope header block, since the
// DATA body a committed message carries is the message content only.
func renderMessage(msg smtpd.Message) []byte {
	out := make([]byte, 0, len(msg.Data)+128)
	out = append(out, fmt.Sprintf("X-Envelope-From: %s\r\n", msg.From)...)
	for _, rcpt := range msg.Recipients {
		out = append(out, fmt.Sprintf("X-Envelope-To: %s\r\n", rcpt)...)
	}
	out = append(out, "\r\n"...)
	out = append(out, msg.Data...)
	return out
}
