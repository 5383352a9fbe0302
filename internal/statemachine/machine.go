// Package statemachine implements the pure RFC 5321 session state
// transition function: Process(cmd) -> Action, mutating only the
// machine's own state and transaction. It owns no I/O, no timers, and
// no connection — those live in internal/session.
//
// The shape (a table of states, a single Process entry point, explicit
// Accept/Reject actions) mirrors a per-verb dispatch restructured into
// one pure function keyed on an explicit enumerated state rather than a
// bitmask.
package statemachine

import (
	"fmt"

	"github.com/inboundmail/smtpd/internal/command"
	"github.com/inboundmail/smtpd/internal/reply"
)

// State is one of the six SMTP session states.
type State int

const (
	StateInitial State = iota
	StateGreeted
	StateMail
	StateRecipient
	StateDataBody
	StateQuit
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateGreeted:
		return "greeted"
	case StateMail:
		return "mail"
	case StateRecipient:
		return "recipient"
	case StateDataBody:
		return "data"
	case StateQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Transaction is the envelope accumulated for the message in progress.
// It exists only while State is Mail, Recipient, or DataBody.
type Transaction struct {
	From       string
	Recipients []string
	Body       []byte
}

// ActionKind tags what the session should do with an Action.
type ActionKind int

const (
	// Accept: write Reply, adopt the machine's (already updated) state.
	Accept ActionKind = iota
	// Reject: write Reply, state is unchanged.
	Reject
	// Close: write Reply (if any), then close the connection. Process
	// never returns this itself; it is reserved for session-level
	// fatal conditions (timeouts, overflow, oversized message) that
	// share the same Action shape so callers can treat them uniformly.
	Close
)

// Action is the result of feeding one Command to the machine.
type Action struct {
	Kind  ActionKind
	Reply reply.Reply
}

// Machine holds one connection's protocol state. It is not safe for
// concurrent use; each session owns exactly one.
type Machine struct {
	domain         string
	maxMessageSize int64

	state State
	tx    *Transaction

	tlsAvailable bool
	tlsActive    bool
}

// New creates a machine in StateInitial. domain is used verbatim in
// greeting/reply text; tlsAvailable reflects whether the server has TLS
// configured at all (not whether this connection has upgraded).
func New(domain string, tlsAvailable bool, maxMessageSize int64) *Machine {
	return &Machine{
		domain:         domain,
		maxMessageSize: maxMessageSize,
		state:          StateInitial,
		tlsAvailable:   tlsAvailable,
	}
}

// State returns the current session state.
func (m *Machine) State() State { return m.state }

// TLSAvailable reports whether TLS is configured at the server level.
func (m *Machine) TLSAvailable() bool { return m.tlsAvailable }

// TLSActive reports whether STARTTLS has completed on this connection.
// Monotonic: once true, it never reverts to false for the life of the
// machine.
func (m *Machine) TLSActive() bool { return m.tlsActive }

// Transaction returns the in-progress transaction, or nil if none is
// open. The caller must treat it as read-only; mutate it only through
// Process/CompleteData.
func (m *Machine) Transaction() *Transaction { return m.tx }

// Process is the pure transition function: (state, command) -> action.
// It is total and never panics; commands invalid for the present state
// come back as Reject with the RFC-appropriate reply, never an error.
func (m *Machine) Process(cmd command.Command) Action {
	switch cmd.Kind {
	case command.Helo:
		return m.greet(cmd.Domain, false)
	case command.Ehlo:
		return m.greet(cmd.Domain, true)
	case command.MailFrom:
		return m.mailFrom(cmd.Path)
	case command.RcptTo:
		return m.rcptTo(cmd.Path)
	case command.Data:
		return m.data()
	case command.Reset:
		return m.reset()
	case command.Noop:
		if m.state == StateQuit {
			return m.rejectSequence()
		}
		return Action{Kind: Accept, Reply: reply.New(250, "OK")}
	case command.Quit:
		m.state = StateQuit
		return Action{Kind: Accept, Reply: reply.New(221, m.domain+" closing connection")}
	case command.Vrfy:
		return Action{Kind: Reject, Reply: reply.New(502, "Command not implemented")}
	case command.StartTLS:
		return m.startTLS()
	default:
		return Action{Kind: Reject, Reply: reply.New(500, "Unknown command")}
	}
}

func (m *Machine) greet(domain string, extended bool) Action {
	if m.state == StateQuit {
		return m.rejectSequence()
	}
	m.tx = nil
	m.state = StateGreeted
	if !extended {
		return Action{Kind: Accept, Reply: reply.New(250, fmt.Sprintf("%s Hello %s", m.domain, domain))}
	}
	lines := []string{fmt.Sprintf("%s Hello %s", m.domain, domain)}
	if m.tlsAvailable && !m.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	lines = append(lines, fmt.Sprintf("SIZE %d", m.maxMessageSize), "8BITMIME")
	return Action{Kind: Accept, Reply: reply.Multi(250, lines...)}
}

func (m *Machine) mailFrom(path string) Action {
	switch m.state {
	case StateInitial:
		return Action{Kind: Reject, Reply: reply.New(503, "Send HELO/EHLO first")}
	case StateGreeted, StateMail, StateRecipient:
		m.tx = &Transaction{From: path}
		m.state = StateMail
		return Action{Kind: Accept, Reply: reply.New(250, fmt.Sprintf("Sender %s OK", angleAddr(path)))}
	default:
		return m.rejectSequence()
	}
}

func (m *Machine) rcptTo(path string) Action {
	switch m.state {
	case StateGreeted:
		return Action{Kind: Reject, Reply: reply.New(503, "Send MAIL FROM first")}
	case StateMail, StateRecipient:
		m.tx.Recipients = append(m.tx.Recipients, path)
		m.state = StateRecipient
		return Action{Kind: Accept, Reply: reply.New(250, fmt.Sprintf("Recipient %s OK", angleAddr(path)))}
	default:
		return m.rejectSequence()
	}
}

func (m *Machine) data() Action {
	switch m.state {
	case StateGreeted:
		return Action{Kind: Reject, Reply: reply.New(503, "Send MAIL FROM first")}
	case StateMail:
		return Action{Kind: Reject, Reply: reply.New(503, "Send RCPT TO first")}
	case StateRecipient:
		m.state = StateDataBody
		return Action{Kind: Accept, Reply: reply.New(354, "Start mail input; end with <CRLF>.<CRLF>")}
	default:
		return m.rejectSequence()
	}
}

func (m *Machine) reset() Action {
	if m.state == StateQuit {
		return m.rejectSequence()
	}
	m.tx = nil
	m.state = StateGreeted
	return Action{Kind: Accept, Reply: reply.New(250, "Reset OK")}
}

func (m *Machine) startTLS() Action {
	if m.state != StateGreeted {
		return Action{Kind: Reject, Reply: reply.New(503, "Bad sequence of commands")}
	}
	if m.tlsActive {
		return Action{Kind: Reject, Reply: reply.New(502, "TLS already active")}
	}
	if !m.tlsAvailable {
		return Action{Kind: Reject, Reply: reply.New(502, "STARTTLS not available")}
	}
	// State stays Greeted here: the session still has to perform the
	// actual handshake after this reply goes out. CompleteStartTLS
	// performs the reset to Initial once the handshake succeeds.
	return Action{Kind: Accept, Reply: reply.New(220, "Ready to start TLS")}
}

func (m *Machine) rejectSequence() Action {
	return Action{Kind: Reject, Reply: reply.New(503, "Bad sequence of commands")}
}

// CompleteStartTLS is called by the session once the TLS handshake has
// succeeded. It sets TLSActive and resets the machine to StateInitial, so
// the client must EHLO/HELO again over the encrypted channel.
func (m *Machine) CompleteStartTLS() {
	m.tlsActive = true
	m.tx = nil
	m.state = StateInitial
}

// CompleteData transfers body into the open transaction, returns it to
// the caller (who is responsible for handing it to the host callback
// before the transaction is discarded), moves the state back to
// Greeted, and yields the 250 reply for the DATA command.
func (m *Machine) CompleteData(body []byte) (*Transaction, Action) {
	tx := m.tx
	if tx != nil {
		tx.Body = body
	}
	m.tx = nil
	m.state = StateGreeted
	return tx, Action{Kind: Accept, Reply: reply.New(250, "Message accepted for delivery")}
}

// angleAddr renders a path the way MAIL/RCPT replies echo it: the empty
// path (the null reverse-path) prints as "<>".
func angleAddr(path string) string {
	if path == "" {
		return "<>"
	}
	return "<" + path + ">"
}
