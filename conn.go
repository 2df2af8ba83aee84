package oxide

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/irc.v4"
	"nhooyr.io/websocket"

	"github.com/aji/oxide-proxy/xirc"
)

// ircConn is a generic IRC connection. It's similar to net.Conn but focuses
// on reading and writing IRC messages.
//
// The maximum line length is connection-scoped: it starts at the classic 512
// byte limit and grows once message-tags has been negotiated on that
// connection. A line exceeding the active limit is a protocol violation, in
// both directions.
type ircConn interface {
	ReadMessage() (*irc.Message, error)
	WriteMessage(*irc.Message) error
	Close() error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	SetMaxLineLen(n int)
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

type tcpIRCConn struct {
	conn       net.Conn
	br         *bufio.Reader
	bw         *bufio.Writer
	maxLineLen atomic.Int32
}

var _ ircConn = (*tcpIRCConn)(nil)

func newNetIRCConn(c net.Conn) ircConn {
	tc := &tcpIRCConn{
		conn: c,
		br:   bufio.NewReaderSize(c, xirc.MaxLineLength+xirc.MaxTagsLength),
		bw:   bufio.NewWriter(c),
	}
	tc.maxLineLen.Store(xirc.MaxLineLength)
	return tc
}

func (tc *tcpIRCConn) ReadMessage() (*irc.Message, error) {
	var line string
	for {
		l, err := tc.br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			return nil, protocolError("line too long")
		} else if err != nil {
			return nil, err
		}
		if len(l) > int(tc.maxLineLen.Load()) {
			return nil, protocolError("line too long")
		}
		line = strings.TrimRight(string(l), "\r\n")
		if line != "" {
			break
		}
	}

	msg, err := irc.ParseMessage(line)
	if err != nil {
		return nil, protocolError(fmt.Sprintf("failed to parse message: %v", err))
	}
	return msg, nil
}

func (tc *tcpIRCConn) WriteMessage(msg *irc.Message) error {
	line := msg.String()
	if len(line)+2 > int(tc.maxLineLen.Load()) {
		return protocolError("message too long")
	}
	if _, err := tc.bw.WriteString(line); err != nil {
		return err
	}
	if _, err := tc.bw.WriteString("\r\n"); err != nil {
		return err
	}
	return tc.bw.Flush()
}

func (tc *tcpIRCConn) Close() error {
	return tc.conn.Close()
}

func (tc *tcpIRCConn) SetReadDeadline(t time.Time) error {
	return tc.conn.SetReadDeadline(t)
}

func (tc *tcpIRCConn) SetWriteDeadline(t time.Time) error {
	return tc.conn.SetWriteDeadline(t)
}

func (tc *tcpIRCConn) SetMaxLineLen(n int) {
	tc.maxLineLen.Store(int32(n))
}

func (tc *tcpIRCConn) RemoteAddr() net.Addr {
	return tc.conn.RemoteAddr()
}

func (tc *tcpIRCConn) LocalAddr() net.Addr {
	return tc.conn.LocalAddr()
}

type websocketAddr string

func (websocketAddr) Network() string {
	return "ws"
}

func (wa websocketAddr) String() string {
	return string(wa)
}

type websocketIRCConn struct {
	conn                        *websocket.Conn
	readDeadline, writeDeadline time.Time
	remoteAddr                  string
	maxLineLen                  atomic.Int32
}

var _ ircConn = (*websocketIRCConn)(nil)

func newWebsocketIRCConn(c *websocket.Conn, remoteAddr string) ircConn {
	wc := &websocketIRCConn{conn: c, remoteAddr: remoteAddr}
	wc.maxLineLen.Store(xirc.MaxLineLength)
	return wc
}

func (wc *websocketIRCConn) ReadMessage() (*irc.Message, error) {
	ctx := context.Background()
	if !wc.readDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, wc.readDeadline)
		defer cancel()
	}
	_, b, err := wc.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		default:
			return nil, err
		}
	}
	if len(b)+2 > int(wc.maxLineLen.Load()) {
		return nil, protocolError("line too long")
	}
	msg, err := irc.ParseMessage(strings.TrimRight(string(b), "\r\n"))
	if err != nil {
		return nil, protocolError(fmt.Sprintf("failed to parse message: %v", err))
	}
	return msg, nil
}

func (wc *websocketIRCConn) WriteMessage(msg *irc.Message) error {
	line := msg.String()
	if len(line)+2 > int(wc.maxLineLen.Load()) {
		return protocolError("message too long")
	}
	ctx := context.Background()
	if !wc.writeDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, wc.writeDeadline)
		defer cancel()
	}
	return wc.conn.Write(ctx, websocket.MessageText, []byte(line))
}

func (wc *websocketIRCConn) Close() error {
	return wc.conn.Close(websocket.StatusNormalClosure, "")
}

func (wc *websocketIRCConn) SetReadDeadline(t time.Time) error {
	wc.readDeadline = t
	return nil
}

func (wc *websocketIRCConn) SetWriteDeadline(t time.Time) error {
	wc.writeDeadline = t
	return nil
}

func (wc *websocketIRCConn) SetMaxLineLen(n int) {
	wc.maxLineLen.Store(int32(n))
}

func (wc *websocketIRCConn) RemoteAddr() net.Addr {
	return websocketAddr(wc.remoteAddr)
}

func (wc *websocketIRCConn) LocalAddr() net.Addr {
	// Websocket connections don't have a meaningful local address
	return websocketAddr("")
}

type connOptions struct {
	Logger         Logger
	RateLimitDelay time.Duration
	RateLimitBurst int
}

// conn wraps an ircConn with an asynchronous writer goroutine. Writes are
// serialized and optionally rate-limited; reads stay synchronous.
type conn struct {
	conn   ircConn
	srv    *Server
	logger Logger

	lock     sync.Mutex
	outgoing chan<- *irc.Message
	sendDone bool
	closed   chan struct{}
}

func newConn(srv *Server, ic ircConn, options *connOptions) *conn {
	outgoing := make(chan *irc.Message, 64)
	c := &conn{
		conn:     ic,
		srv:      srv,
		outgoing: outgoing,
		logger:   options.Logger,
		closed:   make(chan struct{}),
	}

	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-c.closed
			cancel()
		}()

		var rl *rate.Limiter
		if options.RateLimitDelay > 0 && options.RateLimitBurst > 0 {
			rl = rate.NewLimiter(rate.Every(options.RateLimitDelay), options.RateLimitBurst)
		}

		for msg := range outgoing {
			if rl != nil {
				if err := rl.Wait(ctx); err != nil {
					break
				}
			}

			c.logger.Debugf("sent: %v", msg)
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(msg); err != nil {
				c.logger.Printf("failed to write message: %v", err)
				break
			}
		}

		if err := c.conn.Close(); err != nil && !isErrClosed(err) {
			c.logger.Printf("failed to close connection: %v", err)
		} else {
			c.logger.Debugf("connection closed")
		}
		// Drain the outgoing channel to prevent SendMessage from blocking
		for range outgoing {
			// This space is intentionally left blank
		}
		c.lock.Lock()
		if !c.isClosed() {
			close(c.closed)
		}
		c.lock.Unlock()
	}()

	c.logger.Debugf("new connection")
	return c
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close closes the connection, dropping any queued outgoing message. It is
// safe to call from any goroutine.
func (c *conn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.isClosed() {
		return fmt.Errorf("connection already closed")
	}

	err := c.conn.Close()
	close(c.closed)
	if !c.sendDone {
		c.sendDone = true
		close(c.outgoing)
	}
	return err
}

// CloseAfterFlush closes the connection once every queued outgoing message
// has been written out. Further sends are dropped. It is safe to call from
// any goroutine.
func (c *conn) CloseAfterFlush() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.isClosed() || c.sendDone {
		return
	}
	c.sendDone = true
	close(c.outgoing)
}

func (c *conn) ReadMessage() (*irc.Message, error) {
	msg, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	c.logger.Debugf("received: %v", msg)
	return msg, nil
}

// SendMessage queues a new outgoing message. It is safe to call from any
// goroutine.
//
// If the connection is closed before the message is sent, SendMessage
// silently drops the message.
func (c *conn) SendMessage(msg *irc.Message) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.sendDone || c.isClosed() {
		return
	}
	c.outgoing <- msg
}

func (c *conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *conn) SetMaxLineLen(n int) {
	c.conn.SetMaxLineLen(n)
}

func (c *conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}
