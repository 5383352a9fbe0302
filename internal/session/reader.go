package session

import (
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/inboundmail/smtpd/internal/transport"
)

// reader is the session's buffered line reader, bounded by a maximum
// line length and a 3x-of-that-length safety ceiling so a peer that
// never sends a CRLF can't grow the buffer without limit. It owns no
// timers itself; the command timeout is applied by the caller via
// conn.SetReadDeadline before each call.
type reader struct {
	conn transport.Conn
	buf  []byte
}

func newReader(conn transport.Conn) *reader {
	return &reader{conn: conn}
}

// reset discards all buffered bytes. Used for the STARTTLS
// buffer-clearance step: any plaintext the peer sent past the STARTTLS
// line must never reach the lexer or the TLS handshake.
func (r *reader) reset() {
	r.buf = r.buf[:0]
}

// readLine scans for the first CRLF already in the buffer, reading more
// from the connection if none is found. maxLen bounds an individual line
// (excluding the CRLF); tooLong is the Kind raised if that bound is
// exceeded. A clean peer half-close with no partial line pending returns
// io.EOF.
func (r *reader) readLine(maxLen int, tooLong Kind) (string, error) {
	for {
		if idx := indexCRLF(r.buf); idx != -1 {
			line := string(r.buf[:idx])
			rest := r.buf[idx+2:]
			r.buf = append(r.buf[:0], rest...)
			if len(line) > maxLen {
				return "", newError(tooLong)
			}
			if !utf8.ValidString(line) {
				return "", newError(InvalidEncoding)
			}
			return line, nil
		}

		if len(r.buf) >= 3*maxLen {
			return "", newError(BufferOverflow)
		}
		if len(r.buf) > maxLen {
			// Recoverable: drop the bytes buffered so far so the caller's
			// 500-and-continue doesn't just re-trip this same check. The
			// CRLF has not arrived yet, so whatever is left of this line
			// when it does is read as a line of its own.
			r.buf = r.buf[:0]
			return "", newError(tooLong)
		}

		chunk := make([]byte, 4096)
		n, err := r.conn.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			if n == 0 {
				if len(r.buf) > 0 {
					line := r.buf
					r.buf = nil
					if len(line) > maxLen {
						return "", newError(tooLong)
					}
					return string(line), nil
				}
				if err == io.EOF {
					return "", io.EOF
				}
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					return "", newError(CommandTimeout)
				}
				return "", err
			}
			// Bytes were read alongside the error; loop once more so
			// the CRLF scan above gets a chance to consume them before
			// the error is surfaced.
			continue
		}
	}
}

// setDeadline arms the per-read deadline for command_timeout.
// A zero duration disables the deadline.
func (r *reader) setDeadline(d time.Duration) error {
	if d <= 0 {
		return r.conn.SetReadDeadline(time.Time{})
	}
	return r.conn.SetReadDeadline(time.Now().Add(d))
}

func indexCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}
