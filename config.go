package smtpd

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inboundmail/smtpd/internal/tlsprovider"
)

// Default values applied by New when the corresponding Config field is
// left at its zero value.
const (
	DefaultMaxConnections    = 256
	DefaultMaxMessageSize    = 10 * 1024 * 1024
	DefaultConnectionTimeout = 300 * time.Second
	DefaultCommandTimeout    = 60 * time.Second
)

// Config configures one Server. Every field has a sane default; only
// Domain and Port are meaningfully required.
type Config struct {
	// Domain is used in the greeting banner and EHLO/HELO replies.
	Domain string
	// Port to bind, dual-stack, on all interfaces.
	Port int
	// MaxConnections caps concurrently active sessions. 0 uses
	// DefaultMaxConnections.
	MaxConnections int
	// MaxMessageSize bounds DATA accumulation and is advertised via the
	// SIZE extension. 0 uses DefaultMaxMessageSize.
	MaxMessageSize int64
	// ConnectionTimeout is the whole-session wall-clock ceiling. 0 uses
	// DefaultConnectionTimeout; pass a negative value to disable it.
	ConnectionTimeout time.Duration
	// CommandTimeout bounds any single command read. 0 uses
	// DefaultCommandTimeout; pass a negative value to disable it.
	CommandTimeout time.Duration
	// TLS enables STARTTLS when non-nil. Nil means the server never
	// advertises or accepts STARTTLS.
	TLS *tlsprovider.Config
	// Logger receives structured session/server events. Defaults to
	// logrus's standard logger.
	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	switch {
	case c.ConnectionTimeout < 0:
		c.ConnectionTimeout = 0
	case c.ConnectionTimeout == 0:
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	switch {
	case c.CommandTimeout < 0:
		c.CommandTimeout = 0
	case c.CommandTimeout == 0:
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}
