package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"
)

// tcpListener is the production Listener, backed by a real TCP socket
// bound dual-stack on [::] so IPv4 peers arrive as IPv4-mapped IPv6
// addresses.
type tcpListener struct {
	ln net.Listener
}

// ListenTCP binds port on all interfaces, dual-stack. Go's net package
// does not expose the listen(2) backlog size directly (it is sized
// internally from the platform's somaxconn); the connection cap is
// instead enforced as a concurrency semaphore by the server: once the
// cap is reached, the kernel (or the semaphore) refuses/stalls further
// connections.
func ListenTCP(port int) (Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if isUseOfClosed(err) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return &tcpConn{conn: c}, nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

func isUseOfClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

// tcpConn adapts net.Conn to the Conn interface, supporting an in-place
// TLS upgrade.
type tcpConn struct {
	conn      net.Conn
	tlsActive bool
}

func (c *tcpConn) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *tcpConn) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c *tcpConn) Close() error                { return c.conn.Close() }

func (c *tcpConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *tcpConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// StartTLS performs the server-side handshake in place, per RFC 3207.
// The caller (internal/session) is responsible for discarding any
// buffered plaintext bytes before calling this; the transport layer only
// knows about the raw stream, not the session's read buffer.
func (c *tcpConn) StartTLS(cfg *tls.Config) error {
	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.conn = tlsConn
	c.tlsActive = true
	return nil
}

func (c *tcpConn) IsTLSActive() bool { return c.tlsActive }
