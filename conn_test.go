package oxide

import (
	"net"
	"strings"
	"testing"

	"gopkg.in/irc.v4"

	"github.com/aji/oxide-proxy/xirc"
)

func newTestIRCConnPair(t *testing.T) (ircConn, ircConn) {
	c1, c2 := net.Pipe()
	ic1, ic2 := newNetIRCConn(c1), newNetIRCConn(c2)
	t.Cleanup(func() {
		ic1.Close()
		ic2.Close()
	})
	return ic1, ic2
}

func TestIRCConnRoundTrip(t *testing.T) {
	ic1, ic2 := newTestIRCConnPair(t)

	sent := &irc.Message{
		Prefix:  &irc.Prefix{Name: "alice", User: "alice", Host: "example.org"},
		Command: "PRIVMSG",
		Params:  []string{"#test", "hello world"},
	}
	go func() {
		if err := ic1.WriteMessage(sent); err != nil {
			t.Errorf("WriteMessage(): %v", err)
		}
	}()

	got, err := ic2.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage(): %v", err)
	}
	if got.String() != sent.String() {
		t.Fatalf("round trip mismatch: sent %q, got %q", sent.String(), got.String())
	}
}

func TestIRCConnSkipsEmptyLines(t *testing.T) {
	c1, c2 := net.Pipe()
	ic2 := newNetIRCConn(c2)
	t.Cleanup(func() {
		c1.Close()
		ic2.Close()
	})

	go c1.Write([]byte("\r\n\r\nPING token\r\n"))

	msg, err := ic2.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage(): %v", err)
	}
	if msg.Command != "PING" {
		t.Fatalf("ReadMessage(): want PING, got: %v", msg)
	}
}

func TestIRCConnReadTooLong(t *testing.T) {
	c1, c2 := net.Pipe()
	ic2 := newNetIRCConn(c2)
	t.Cleanup(func() {
		c1.Close()
		ic2.Close()
	})

	line := "PRIVMSG #test :" + strings.Repeat("a", xirc.MaxLineLength) + "\r\n"
	go c1.Write([]byte(line))

	_, err := ic2.ReadMessage()
	if _, ok := err.(protocolError); !ok {
		t.Fatalf("ReadMessage() with oversized line: want protocolError, got: %v", err)
	}
}

func TestIRCConnWriteTooLong(t *testing.T) {
	ic1, _ := newTestIRCConnPair(t)

	msg := &irc.Message{
		Command: "PRIVMSG",
		Params:  []string{"#test", strings.Repeat("a", xirc.MaxLineLength)},
	}
	err := ic1.WriteMessage(msg)
	if _, ok := err.(protocolError); !ok {
		t.Fatalf("WriteMessage() with oversized message: want protocolError, got: %v", err)
	}
}

func TestIRCConnMaxLineLenBump(t *testing.T) {
	ic1, ic2 := newTestIRCConnPair(t)

	// a message this size is only legal once message-tags has been
	// negotiated on the connection
	msg := &irc.Message{
		Command: "PRIVMSG",
		Params:  []string{"#test", strings.Repeat("a", xirc.MaxLineLength)},
	}

	ic1.SetMaxLineLen(xirc.MaxLineLength + xirc.MaxTagsLength)
	ic2.SetMaxLineLen(xirc.MaxLineLength + xirc.MaxTagsLength)

	go func() {
		if err := ic1.WriteMessage(msg); err != nil {
			t.Errorf("WriteMessage(): %v", err)
		}
	}()

	got, err := ic2.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage(): %v", err)
	}
	if got.String() != msg.String() {
		t.Fatalf("round trip mismatch: sent %q, got %q", msg.String(), got.String())
	}
}
