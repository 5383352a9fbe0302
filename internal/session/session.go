// Package session drives one accepted connection end to end: greeting,
// the command loop, DATA-phase body collection, and the STARTTLS
// upgrade, gluing internal/command, internal/reply, internal/statemachine
// and internal/transport together behind an explicit typed-error
// hierarchy for the fatal paths.
package session

import (
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inboundmail/smtpd/internal/command"
	"github.com/inboundmail/smtpd/internal/reply"
	"github.com/inboundmail/smtpd/internal/statemachine"
	"github.com/inboundmail/smtpd/internal/transport"
)

// Message is one successfully DATA-committed envelope, handed to the
// host callback exactly once per commit.
type Message struct {
	From       string
	Recipients []string
	Data       []byte
}

// Config carries everything a session needs that isn't the connection
// itself; the server derives one per accepted connection from its own
// Config.
type Config struct {
	ID     string
	Domain string
	// MaxCommandLength is the largest command line accepted, including
	// the trailing CRLF (RFC 5321 4.5.3.1.4: 512 total, so 510 content
	// bytes).
	MaxCommandLength  int
	MaxMessageSize    int64
	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration
	TLSConfig         *tls.Config
	MessageHandler    func(Message)
	Logger            logrus.FieldLogger
}

// Run drives conn to completion: greeting, command loop, and clean or
// fatal shutdown. It returns only once the session has ended; the caller
// (the server's accept loop) runs it in its own goroutine.
func Run(conn transport.Conn, cfg Config) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{
		"session_id":  cfg.ID,
		"remote_addr": conn.RemoteAddr(),
	})

	defer conn.Close()

	r := newReader(conn)
	machine := statemachine.New(cfg.Domain, cfg.TLSConfig != nil, cfg.MaxMessageSize)
	start := time.Now()

	write := func(rep reply.Reply) bool {
		if cfg.CommandTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(cfg.CommandTimeout))
		}
		if _, err := conn.Write(rep.Bytes()); err != nil {
			log.WithError(err).Warn("write failed")
			return false
		}
		return true
	}

	if !write(reply.New(220, cfg.Domain+" ESMTP Service ready")) {
		return
	}

	for {
		if cfg.ConnectionTimeout > 0 && time.Since(start) > cfg.ConnectionTimeout {
			write(reply.New(421, cfg.Domain+" Connection timeout"))
			log.WithField("state", machine.State()).Info("connection timeout")
			return
		}

		if err := r.setDeadline(cfg.CommandTimeout); err != nil {
			log.WithError(err).Warn("set deadline failed")
			return
		}

		line, err := r.readLine(cfg.MaxCommandLength-2, CommandTooLong)
		if err != nil {
			sessErr, ok := err.(*Error)
			if ok && sessErr.Kind.Recoverable() {
				write(reply.New(sessErr.Kind.ReplyCode(), readErrorText(sessErr.Kind)))
				continue
			}
			handleFatalRead(conn, log, machine, write, err)
			return
		}

		cmd := command.Parse(line)
		log.WithFields(logrus.Fields{
			"state":   machine.State(),
			"command": cmd.Kind,
		}).Debug("command received")

		action := machine.Process(cmd)
		if !write(action.Reply) {
			return
		}

		switch {
		case cmd.Kind == command.StartTLS && action.Kind == statemachine.Accept:
			if !upgradeTLS(conn, r, cfg, log, machine, write) {
				return
			}
		case cmd.Kind == command.Data && action.Kind == statemachine.Accept:
			if !runDataPhase(r, cfg, log, machine, write, cfg.MessageHandler) {
				return
			}
		}

		if machine.State() == statemachine.StateQuit {
			log.Info("session closed by QUIT")
			return
		}
	}
}

// handleFatalRead maps a reader error to its reply code and logs it. A
// clean io.EOF needs no reply at all.
func handleFatalRead(conn transport.Conn, log logrus.FieldLogger, machine *statemachine.Machine, write func(reply.Reply) bool, err error) {
	sessErr, ok := err.(*Error)
	if !ok {
		log.WithError(err).Info("connection closed")
		return
	}
	write(reply.New(sessErr.Kind.ReplyCode(), readErrorText(sessErr.Kind)))
	log.WithFields(logrus.Fields{
		"state": machine.State(),
		"kind":  sessErr.Kind,
	}).Warn("session ended on fatal condition")
}

func readErrorText(k Kind) string {
	switch k {
	case CommandTooLong, DataLineTooLong:
		return "Line too long"
	case BufferOverflow:
		return "Buffer overflow"
	case CommandTimeout:
		return "Command timeout"
	case InvalidEncoding:
		return "Invalid character encoding"
	case MessageTooLarge:
		return "Message exceeds maximum size"
	default:
		return "Service unavailable, closing connection"
	}
}

// runDataPhase collects the message body, feeds it to the state machine,
// replies, and invokes the host handler. Returns false if the session
// must end (write failure or a fatal size/buffer error). An individual
// over-length data line is recoverable: it gets its own 500 and
// collection continues.
func runDataPhase(r *reader, cfg Config, log logrus.FieldLogger, machine *statemachine.Machine, write func(reply.Reply) bool, handler func(Message)) bool {
	onTooLong := func() { write(reply.New(DataLineTooLong.ReplyCode(), readErrorText(DataLineTooLong))) }

	body, err := collectData(r, cfg.MaxMessageSize, onTooLong)
	if err != nil {
		sessErr, ok := err.(*Error)
		if !ok {
			log.WithError(err).Info("connection closed during DATA")
			return false
		}
		write(reply.New(sessErr.Kind.ReplyCode(), readErrorText(sessErr.Kind)))
		return false
	}

	tx, action := machine.CompleteData(body)
	if !write(action.Reply) {
		return false
	}
	if tx != nil && handler != nil {
		invokeHandler(log, handler, Message{From: tx.From, Recipients: tx.Recipients, Data: tx.Body})
	}
	return true
}

// invokeHandler isolates the host callback: a panic here must not tear
// down the session, since the 250 reply has already been sent and
// idempotency is the handler's concern.
func invokeHandler(log logrus.FieldLogger, handler func(Message), msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("message handler panicked")
		}
	}()
	handler(msg)
}

// upgradeTLS performs the RFC 3207 handshake. The buffer-clearance step
// (discarding any plaintext already buffered past the STARTTLS command
// line) runs before the handshake starts, never after: those bytes are
// untrusted plaintext and must never be treated as TLS records.
func upgradeTLS(conn transport.Conn, r *reader, cfg Config, log logrus.FieldLogger, machine *statemachine.Machine, write func(reply.Reply) bool) bool {
	r.reset()
	if err := conn.StartTLS(cfg.TLSConfig); err != nil {
		sessErr := wrapError(TLSFailed, err)
		write(reply.New(sessErr.Kind.ReplyCode(), "TLS handshake failed"))
		log.WithError(err).Warn("TLS handshake failed")
		return false
	}
	machine.CompleteStartTLS()
	log.Info("TLS handshake complete")
	return true
}
