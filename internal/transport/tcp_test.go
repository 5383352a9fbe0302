package transport

import (
	"net"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestTCPListenerRoundTrip(t *testing.T) {
	Convey("a dialed connection can round-trip bytes and then Close stops Accept", t, func() {
		ln, err := ListenTCP(0)
		So(err, ShouldBeNil)
		defer ln.Close()

		accepted := make(chan Conn, 1)
		acceptErr := make(chan error, 1)
		go func() {
			c, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			accepted <- c
		}()

		client, err := net.Dial("tcp", ln.Addr())
		So(err, ShouldBeNil)
		defer client.Close()

		_, err = client.Write([]byte("EHLO\r\n"))
		So(err, ShouldBeNil)

		var serverConn Conn
		select {
		case serverConn = <-accepted:
		case err := <-acceptErr:
			t.Fatalf("accept failed: %v", err)
		}

		buf := make([]byte, 6)
		n, err := serverConn.Read(buf)
		So(err, ShouldBeNil)
		So(string(buf[:n]), ShouldEqual, "EHLO\r\n")

		So(ln.Close(), ShouldBeNil)
		_, err = ln.Accept()
		So(err, ShouldEqual, ErrListenerClosed)
	})
}
