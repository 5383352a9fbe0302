// Package transport abstracts the byte-stream the protocol engine runs
// over. The engine only ever sees Listener/Conn; two implementations are
// provided (tcpListener/tcpConn for production, pipeListener/pipeConn
// backed by net.Pipe for tests), and both satisfy the same interface.
package transport

import (
	"crypto/tls"
	"time"
)

// Listener accepts incoming connections.
type Listener interface {
	// Accept blocks until a new Conn is available or the listener is
	// closed, in which case it returns ErrListenerClosed.
	Accept() (Conn, error)
	// Close is idempotent.
	Close() error
	// Addr returns the listener's bound address: "host:port" for the
	// TCP listener, the fixed string "pipe" for the in-memory one.
	Addr() string
}

// Conn is a single byte-stream connection. Read/Write/Close follow
// net.Conn semantics (an empty Read with no error never happens; EOF is
// reported via io.EOF). StartTLS replaces the underlying stream in
// place.
type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string

	// StartTLS performs a server-side TLS handshake over the
	// connection and, on success, makes all subsequent Read/Write
	// calls operate on the encrypted stream. IsTLSActive reports true
	// thereafter.
	StartTLS(cfg *tls.Config) error
	IsTLSActive() bool
}
