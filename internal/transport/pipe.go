package transport

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// pipeListener is the second Listener implementation: an in-memory
// queue of net.Pipe-backed connections, used by the session and server
// tests so the protocol engine can be driven without real sockets. It
// satisfies exactly the same interface as tcpListener.
type pipeListener struct {
	mu     sync.Mutex
	queue  chan Conn
	closed bool
	done   chan struct{}
}

// NewPipeListener creates a Listener that Dial feeds into.
func NewPipeListener() *pipeListener {
	return &pipeListener{
		queue: make(chan Conn, 16),
		done:  make(chan struct{}),
	}
}

// Dial creates a connected pair: one half is queued for Accept, the
// other is returned to the caller to act as the "client" side in tests.
func (l *pipeListener) Dial() net.Conn {
	server, client := net.Pipe()
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		server.Close()
		client.Close()
		return client
	}
	l.queue <- &pipeConn{conn: server}
	return client
}

func (l *pipeListener) Accept() (Conn, error) {
	select {
	case c := <-l.queue:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *pipeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return nil
}

func (l *pipeListener) Addr() string { return "pipe" }

// pipeConn wraps a net.Pipe half. TLS upgrade works for real (tls.Server
// against a net.Pipe is a legitimate net.Conn), which makes the pipe
// transport exercise the exact same STARTTLS code path as tcpConn.
type pipeConn struct {
	conn      net.Conn
	tlsActive bool
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c *pipeConn) Close() error                { return c.conn.Close() }

func (c *pipeConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *pipeConn) RemoteAddr() string { return "pipe-client" }

func (c *pipeConn) StartTLS(cfg *tls.Config) error {
	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.conn = tlsConn
	c.tlsActive = true
	return nil
}

func (c *pipeConn) IsTLSActive() bool { return c.tlsActive }
