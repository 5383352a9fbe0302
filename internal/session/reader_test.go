package session

import (
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/inboundmail/smtpd/internal/transport"
)

func newTestReader(input string) (*reader, func()) {
	ln := transport.NewPipeListener()
	client := ln.Dial()
	serverConn, err := ln.Accept()
	if err != nil {
		panic(err)
	}
	go func() {
		client.Write([]byte(input))
	}()
	return newReader(serverConn), func() { client.Close(); serverConn.Close() }
}

func TestReaderLineLengthBoundary(t *testing.T) {
	Convey("a line of exactly maxLen content bytes is accepted", t, func() {
		line := strings.Repeat("a", 510)
		r, cleanup := newTestReader(line + "\r\n")
		defer cleanup()

		got, err := r.readLine(510, CommandTooLong)
		So(err, ShouldBeNil)
		So(got, ShouldEqual, line)
	})

	Convey("a line of maxLen+1 content bytes is rejected as too long", t, func() {
		line := strings.Repeat("a", 511)
		r, cleanup := newTestReader(line + "\r\n")
		defer cleanup()

		_, err := r.readLine(510, CommandTooLong)
		sessErr, ok := err.(*Error)
		So(ok, ShouldBeTrue)
		So(sessErr.Kind, ShouldEqual, CommandTooLong)
	})

	Convey("a too-long line resyncs so the next line reads cleanly", t, func() {
		over := strings.Repeat("a", 600)
		r, cleanup := newTestReader(over + "\r\nshort\r\n")
		defer cleanup()

		_, err := r.readLine(510, CommandTooLong)
		So(err, ShouldNotBeNil)

		got, err := r.readLine(510, CommandTooLong)
		So(err, ShouldBeNil)
		So(got, ShouldEqual, "short")
	})
}

func TestReaderBufferOverflow(t *testing.T) {
	Convey("a line that never gets a CRLF within 3x maxLen overflows", t, func() {
		r, cleanup := newTestReader(strings.Repeat("a", 2000))
		defer cleanup()

		_, err := r.readLine(510, CommandTooLong)
		sessErr, ok := err.(*Error)
		So(ok, ShouldBeTrue)
		So(sessErr.Kind, ShouldEqual, BufferOverflow)
	})
}

func TestDataLineLengthBoundary(t *testing.T) {
	Convey("a DATA line of exactly 998 content bytes is accepted", t, func() {
		line := strings.Repeat("b", 998)
		r, cleanup := newTestReader(line + "\r\n.\r\n")
		defer cleanup()

		var tooLongCalls int
		body, err := collectData(r, 1<<20, func() { tooLongCalls++ })
		So(err, ShouldBeNil)
		So(tooLongCalls, ShouldEqual, 0)
		So(string(body), ShouldEqual, line+"\r\n")
	})

	Convey("a DATA line of 999 content bytes is recoverable, not fatal", t, func() {
		line := strings.Repeat("b", 999)
		r, cleanup := newTestReader(line + "\r\n.\r\n")
		defer cleanup()

		var tooLongCalls int
		body, err := collectData(r, 1<<20, func() { tooLongCalls++ })
		So(err, ShouldBeNil)
		So(tooLongCalls, ShouldEqual, 1)
		So(string(body), ShouldEqual, "")
	})
}
