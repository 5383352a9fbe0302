package smtpd

import "github.com/inboundmail/smtpd/internal/session"

// Message is one successfully DATA-committed envelope.
type Message = session.Message

// MessageHandler is invoked once per committed message. It runs on the
// session's own goroutine; a handler that blocks delays that session's
// next command, and a handler that panics is recovered and logged by
// the session, since the 250 reply has already gone out.
type MessageHandler func(Message)
