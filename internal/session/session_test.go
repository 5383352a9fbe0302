package session

import (
	"bufio"
	"crypto/tls"
	"io"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/inboundmail/smtpd/internal/tlsprovider"
	"github.com/inboundmail/smtpd/internal/transport"
)

func runPipeSession(cfg Config) (client *bufio.ReadWriter, closeClient func()) {
	ln := transport.NewPipeListener()
	rawClient := ln.Dial()

	serverConn, err := ln.Accept()
	if err != nil {
		panic(err)
	}

	go Run(serverConn, cfg)

	rw := bufio.NewReadWriter(bufio.NewReader(rawClient), bufio.NewWriter(rawClient))
	return rw, func() { rawClient.Close() }
}

func readReply(t *testing.T, rw *bufio.ReadWriter) string {
	t.Helper()
	var out string
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			t.Fatalf("reading reply: %v", err)
		}
		out += line
		if len(line) >= 4 && line[3] == ' ' {
			return out
		}
	}
}

func TestMinimalSession(t *testing.T) {
	Convey("S1: a minimal session with no TLS commits one message", t, func() {
		var received Message
		cfg := Config{
			Domain:           "localhost",
			MaxCommandLength: 512,
			MaxMessageSize:   10485760,
			CommandTimeout:   5 * time.Second,
			MessageHandler:   func(m Message) { received = m },
		}
		rw, closeClient := runPipeSession(cfg)
		defer closeClient()

		So(readReply(t, rw), ShouldEqual, "220 localhost ESMTP Service ready\r\n")

		rw.WriteString("EHLO c.example\r\n")
		rw.Flush()
		greet := readReply(t, rw)
		So(greet, ShouldContainSubstring, "250-localhost Hello c.example\r\n")
		So(greet, ShouldContainSubstring, "250 8BITMIME\r\n")

		rw.WriteString("MAIL FROM:<a@b>\r\n")
		rw.Flush()
		So(readReply(t, rw), ShouldEqual, "250 Sender <a@b> OK\r\n")

		rw.WriteString("RCPT TO:<c@d>\r\n")
		rw.Flush()
		So(readReply(t, rw), ShouldEqual, "250 Recipient <c@d> OK\r\n")

		rw.WriteString("DATA\r\n")
		rw.Flush()
		So(readReply(t, rw), ShouldEqual, "354 Start mail input; end with <CRLF>.<CRLF>\r\n")

		rw.WriteString("Hi\r\n.\r\n")
		rw.Flush()
		So(readReply(t, rw), ShouldEqual, "250 Message accepted for delivery\r\n")

		rw.WriteString("QUIT\r\n")
		rw.Flush()
		So(readReply(t, rw), ShouldEqual, "221 localhost closing connection\r\n")

		So(received.From, ShouldEqual, "a@b")
		So(received.Recipients, ShouldResemble, []string{"c@d"})
		So(string(received.Data), ShouldEqual, "Hi\r\n")
	})
}

func TestStartTLSBufferClearance(t *testing.T) {
	Convey("S6: plaintext buffered past STARTTLS is discarded, not replayed", t, func() {
		built, err := tlsprovider.Build(tlsprovider.Config{
			Source: tlsprovider.SelfSignedCertSource{CommonName: "localhost"},
		})
		So(err, ShouldBeNil)

		cfg := Config{
			Domain:           "localhost",
			MaxCommandLength: 512,
			MaxMessageSize:   10485760,
			CommandTimeout:   5 * time.Second,
			TLSConfig:        built,
		}

		ln := transport.NewPipeListener()
		rawClient := ln.Dial()
		defer rawClient.Close()
		serverConn, err := ln.Accept()
		So(err, ShouldBeNil)
		go Run(serverConn, cfg)

		rw := bufio.NewReadWriter(bufio.NewReader(rawClient), bufio.NewWriter(rawClient))
		So(readReply(t, rw), ShouldEqual, "220 localhost ESMTP Service ready\r\n")

		// Single write carrying EHLO, STARTTLS, and a trailing plaintext
		// command the server must never interpret.
		rw.WriteString("EHLO c\r\nSTARTTLS\r\nEHLO hidden\r\n")
		rw.Flush()

		greet := readReply(t, rw)
		So(greet, ShouldContainSubstring, "STARTTLS")
		So(readReply(t, rw), ShouldEqual, "220 Ready to start TLS\r\n")

		clientTLS := tls.Client(rawClient, &tls.Config{InsecureSkipVerify: true})
		So(clientTLS.Handshake(), ShouldBeNil)

		secureRW := bufio.NewReadWriter(bufio.NewReader(clientTLS), bufio.NewWriter(clientTLS))
		secureRW.WriteString("EHLO secure.example\r\n")
		secureRW.Flush()

		reply := readReply(t, secureRW)
		So(reply, ShouldContainSubstring, "Hello secure.example")
		So(reply, ShouldNotContainSubstring, "STARTTLS")
	})
}

func TestDataDotTransparency(t *testing.T) {
	Convey("S3: a leading dot in a DATA line is unstuffed, not treated as the terminator", t, func() {
		var received Message
		cfg := Config{
			Domain:           "localhost",
			MaxCommandLength: 512,
			MaxMessageSize:   10485760,
			CommandTimeout:   5 * time.Second,
			MessageHandler:   func(m Message) { received = m },
		}
		rw, closeClient := runPipeSession(cfg)
		defer closeClient()

		So(readReply(t, rw), ShouldEqual, "220 localhost ESMTP Service ready\r\n")

		rw.WriteString("EHLO c.example\r\n")
		rw.Flush()
		readReply(t, rw)

		rw.WriteString("MAIL FROM:<a@b>\r\n")
		rw.Flush()
		readReply(t, rw)

		rw.WriteString("RCPT TO:<c@d>\r\n")
		rw.Flush()
		readReply(t, rw)

		rw.WriteString("DATA\r\n")
		rw.Flush()
		readReply(t, rw)

		// ".." stuffing a leading dot, a line with a dot elsewhere, then
		// the lone-dot terminator.
		rw.WriteString("..leading dot\r\nmid.dot line\r\n.\r\n")
		rw.Flush()
		So(readReply(t, rw), ShouldEqual, "250 Message accepted for delivery\r\n")

		So(string(received.Data), ShouldEqual, ".leading dot\r\nmid.dot line\r\n")
	})
}

func TestCommandTooLong(t *testing.T) {
	Convey("S4: a command line over the content limit gets 500 and the session continues", t, func() {
		cfg := Config{
			Domain:           "localhost",
			MaxCommandLength: 512,
			MaxMessageSize:   10485760,
			CommandTimeout:   5 * time.Second,
		}
		rw, closeClient := runPipeSession(cfg)
		defer closeClient()

		So(readReply(t, rw), ShouldEqual, "220 localhost ESMTP Service ready\r\n")

		// 511 content bytes, one over the 510-byte boundary.
		rw.WriteString("EHLO " + strings.Repeat("a", 506) + "\r\n")
		rw.Flush()
		So(readReply(t, rw), ShouldEqual, "500 Line too long\r\n")

		// The connection is still alive; a normal command still works.
		rw.WriteString("EHLO c.example\r\n")
		rw.Flush()
		So(readReply(t, rw), ShouldContainSubstring, "250-localhost Hello c.example\r\n")
	})
}

func TestBufferOverflowClosesConnection(t *testing.T) {
	Convey("S5: a line that never gets a CRLF within the overflow ceiling gets 421 and the connection closes", t, func() {
		cfg := Config{
			Domain:           "localhost",
			MaxCommandLength: 512,
			MaxMessageSize:   10485760,
			CommandTimeout:   5 * time.Second,
		}
		rw, closeClient := runPipeSession(cfg)
		defer closeClient()

		So(readReply(t, rw), ShouldEqual, "220 localhost ESMTP Service ready\r\n")

		// Past the 3x-of-510 ceiling (1530 bytes), still no CRLF.
		rw.WriteString(strings.Repeat("a", 1600))
		rw.Flush()
		So(readReply(t, rw), ShouldEqual, "421 Buffer overflow\r\n")

		buf := make([]byte, 1)
		_, err := rw.Read(buf)
		So(err, ShouldEqual, io.EOF)
	})
}
