package oxide

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/irc.v4"

	"github.com/aji/oxide-proxy/xirc"
)

type event interface{}

type eventBackendMessage struct {
	msg *irc.Message
}

type eventBackendDisconnected struct {
	err error
}

type eventClientMessage struct {
	dc  *downstreamConn
	msg *irc.Message
}

type eventClientAttached struct {
	dc *downstreamConn
}

type eventClientDetached struct {
	dc *downstreamConn
}

type eventStop struct {
	reason string
}

// session is the proxy's unit of continuity. It owns the backend connection;
// client connections only ever hold a revocable attachment to it. All
// session state apart from the attach reservation is owned by the run loop,
// which serializes the two message directions without reordering either.
type session struct {
	srv    *Server
	logger Logger

	// immutable after creation
	clientKey string
	bc        *backendConn

	events chan event
	done   chan struct{}

	// run loop state
	live      *downstreamConn
	ring      *Ring
	burst     []*irc.Message
	burstDone bool
	nick      string
	evicted   uint64

	lock       sync.Mutex
	token      string
	attached   *downstreamConn
	detachedAt time.Time
	closed     bool
	caps       xirc.CapRegistry
}

// newSession takes ownership of a freshly registered backend connection and
// starts the relay. The registering client starts out attached.
func newSession(srv *Server, bc *backendConn, dc *downstreamConn) *session {
	token := bc.token
	if token == "" {
		// the backend never issued a credential, mint our own: the
		// registry needs a key either way
		var err error
		token, err = generateToken()
		if err != nil {
			panic(fmt.Sprintf("oxide: %v", err))
		}
	}

	caps := xirc.NewCapRegistry()
	for name, value := range bc.negotiation.caps.Available {
		caps.Available[name] = value
	}
	for name := range bc.negotiation.caps.Enabled {
		caps.Enabled[name] = struct{}{}
	}

	s := &session{
		srv:       srv,
		logger:    &prefixLogger{srv.Logger, fmt.Sprintf("session %q: ", casemap(dc.username))},
		clientKey: casemap(dc.username),
		bc:        bc,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		live:      dc,
		ring:      NewRing(srv.Config().SessionBuffer),
		burst:     append([]*irc.Message(nil), bc.burst...),
		nick:      dc.nick,
		token:     token,
		attached:  dc,
		caps:      caps,
	}

	srv.sessions.add(s)
	srv.metrics.sessionsActive.Inc()

	go s.run()
	go s.readBackendMessages()

	return s
}

// post delivers an event to the run loop, dropping it if the session is
// already gone.
func (s *session) post(e event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

// attach reserves the session for dc. At most one client may be attached at
// a time: a concurrent attacher gets errSessionBusy. On success the run loop
// replays the registration burst and any buffered messages before resuming
// live relay.
func (s *session) attach(dc *downstreamConn) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return errSessionNotFound
	}
	if s.attached != nil {
		s.lock.Unlock()
		return errSessionBusy
	}
	s.attached = dc
	s.detachedAt = time.Time{}
	s.lock.Unlock()

	s.post(eventClientAttached{dc})
	return nil
}

// capsSnapshot copies the backend capability registry for use outside the
// run loop.
func (s *session) capsSnapshot() xirc.CapRegistry {
	s.lock.Lock()
	defer s.lock.Unlock()

	reg := xirc.NewCapRegistry()
	for name, value := range s.caps.Available {
		reg.Available[name] = value
	}
	for name := range s.caps.Enabled {
		reg.Enabled[name] = struct{}{}
	}
	return reg
}

func (s *session) capAvailable(name string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.caps.IsAvailable(name)
}

// expired reports whether the session has been detached for longer than the
// grace period.
func (s *session) expired(now time.Time, grace time.Duration) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return !s.detachedAt.IsZero() && now.Sub(s.detachedAt) > grace
}

func (s *session) stop(reason string) {
	s.post(eventStop{reason})
}

func (s *session) readBackendMessages() {
	for {
		msg, err := s.bc.ReadMessage()
		if err != nil {
			s.post(eventBackendDisconnected{err})
			return
		}
		s.post(eventBackendMessage{msg})
	}
}

func (s *session) run() {
	quitSent := false

	defer func() {
		// Mark the session closed before anything else: a concurrent
		// attach must fail with errSessionNotFound from here on, so that
		// the late client falls back to a fresh registration.
		s.lock.Lock()
		s.closed = true
		att := s.attached
		s.attached = nil
		s.lock.Unlock()

		close(s.done)
		s.srv.sessions.remove(s)

		if !quitSent {
			s.bc.SendMessage(&irc.Message{
				Command: "QUIT",
				Params:  []string{"Session closed"},
			})
		}
		s.bc.CloseAfterFlush()

		if att != nil {
			att.SendMessage(&irc.Message{
				Command: "ERROR",
				Params:  []string{"Connection to upstream server lost"},
			})
			att.CloseAfterFlush()
		}

		s.srv.metrics.sessionsActive.Dec()
		s.logger.Printf("session closed")
	}()

	for e := range s.events {
		switch e := e.(type) {
		case eventBackendMessage:
			s.handleBackendMessage(e.msg)
		case eventBackendDisconnected:
			if !isErrClosed(e.err) {
				s.logger.Printf("backend connection lost: %v", e.err)
			}
			return
		case eventClientMessage:
			if e.dc != s.live {
				// stale message from a detached client
				continue
			}
			if quit := s.handleClientMessage(e.msg); quit {
				quitSent = true
				return
			}
		case eventClientAttached:
			s.handleClientAttached(e.dc)
		case eventClientDetached:
			if e.dc != s.live {
				continue
			}
			s.live = nil
			s.lock.Lock()
			s.attached = nil
			s.detachedAt = time.Now()
			s.lock.Unlock()
			s.logger.Printf("client detached, %v message(s) buffered so far", s.ring.Len())
		case eventStop:
			s.logger.Printf("stopping session: %v", e.reason)
			s.bc.SendMessage(&irc.Message{
				Command: "QUIT",
				Params:  []string{e.reason},
			})
			quitSent = true
			return
		}
	}
}

// handleBackendMessage applies the shim's backend-to-client filter, then
// delivers the message to the attached client or to the replay buffer.
func (s *session) handleBackendMessage(msg *irc.Message) {
	switch msg.Command {
	case "PING":
		// The session answers on the client's behalf: the whole point is
		// that the backend doesn't notice the client going away.
		s.bc.SendMessage(&irc.Message{
			Command: "PONG",
			Params:  msg.Params,
		})
		return
	case "MIGRATE":
		if token, ok := migrateToken(msg); ok {
			s.srv.sessions.updateToken(s, token)
		}
		return
	case "CAP":
		if msg = s.handleBackendCap(msg); msg == nil {
			return
		}
	case "NICK":
		if msg.Prefix != nil && casemap(msg.Prefix.Name) == casemap(s.nick) && len(msg.Params) > 0 {
			s.nick = msg.Params[0]
		}
	}

	if !s.burstDone && isNumeric(msg.Command) {
		s.cacheBurstMessage(msg)
	}

	if s.live != nil {
		s.live.SendMessage(msg)
		s.srv.metrics.relayedToClient.Inc()
	} else {
		before := s.ring.Evicted()
		s.ring.Produce(msg)
		if d := s.ring.Evicted() - before; d > 0 {
			s.srv.metrics.bufferEvictions.Add(float64(d))
		}
	}
}

// handleBackendCap processes a post-registration CAP message from the
// backend. It returns the message to relay to the client, rewritten into a
// fresh copy when the capability list mentions migrate, or nil when the
// frame must not reach the client at all.
func (s *session) handleBackendCap(msg *irc.Message) *irc.Message {
	if len(msg.Params) < 2 {
		return msg
	}
	subCmd := strings.ToUpper(msg.Params[1])
	if len(msg.Params) < 3 {
		if subCmd == "END" {
			return msg
		}
		return nil
	}
	list := msg.Params[2]

	switch subCmd {
	case "NEW":
		s.lock.Lock()
		s.caps.AddAvailable(list)
		s.lock.Unlock()
		if capListHas(list, capMigrate) {
			// late migrate advertisement: grab it, invisibly
			s.bc.SendMessage(&irc.Message{
				Command: "CAP",
				Params:  []string{"REQ", capMigrate},
			})
		}
		return rewriteCapList(msg, stripMigrateCap(list))
	case "DEL":
		s.lock.Lock()
		for _, name := range xirc.ParseCapReq(list) {
			s.caps.Del(name)
		}
		s.lock.Unlock()
		return rewriteCapList(msg, stripMigrateCap(list))
	case "LIST":
		// never let the backend reveal the shim's capabilities
		if stripped := stripMigrateCap(list); stripped != list {
			msg = msg.Copy()
			msg.Params[2] = stripped
		}
	case "ACK", "NAK":
		if capListHas(list, capMigrate) {
			// verdict on the shim's own request, not the client's
			if subCmd == "ACK" {
				s.lock.Lock()
				s.caps.SetEnabled(capMigrate, true)
				s.lock.Unlock()
			}
			return nil
		}
		if subCmd == "ACK" {
			s.lock.Lock()
			for _, name := range xirc.ParseCapReq(list) {
				enable := !strings.HasPrefix(name, "-")
				name = strings.TrimPrefix(name, "-")
				s.caps.SetEnabled(name, enable)
				if name == "message-tags" && enable {
					s.bc.SetMaxLineLen(xirc.MaxLineLength + xirc.MaxTagsLength)
					if s.live != nil {
						s.live.SetMaxLineLen(xirc.MaxLineLength + xirc.MaxTagsLength)
					}
				}
			}
			s.lock.Unlock()
		}
	}
	return msg
}

// rewriteCapList returns a copy of a CAP NEW or DEL message with its
// capability list replaced, nil when the list came out empty, or the message
// itself when nothing changed.
func rewriteCapList(msg *irc.Message, list string) *irc.Message {
	if list == "" {
		return nil
	}
	if list == msg.Params[2] {
		return msg
	}
	msg = msg.Copy()
	msg.Params[2] = list
	return msg
}

// cacheBurstMessage records the backend's registration burst so that it can
// be replayed to a resuming client.
func (s *session) cacheBurstMessage(msg *irc.Message) {
	switch msg.Command {
	case irc.RPL_WELCOME, irc.RPL_YOURHOST, irc.RPL_CREATED, irc.RPL_MYINFO,
		xirc.RPL_ISUPPORT, xirc.RPL_MOTDSTART, xirc.RPL_MOTD:
		s.burst = append(s.burst, msg)
	case xirc.RPL_ENDOFMOTD, irc.ERR_NOMOTD:
		s.burst = append(s.burst, msg)
		s.burstDone = true
	default:
		s.burstDone = true
	}
}

// handleClientMessage applies the shim's client-to-backend filter. It
// reports true when the client deliberately ended the session.
func (s *session) handleClientMessage(msg *irc.Message) (quit bool) {
	switch msg.Command {
	case "QUIT":
		// an explicit QUIT ends the session, not just the socket
		s.bc.SendMessage(msg)
		return true
	case "CAP":
		if len(msg.Params) >= 1 {
			subCmd := strings.ToUpper(msg.Params[0])
			switch subCmd {
			case "REQ":
				if len(msg.Params) >= 2 && capListHas(msg.Params[1], capMigrate) {
					s.live.SendMessage(&irc.Message{
						Prefix:  s.srv.prefix(),
						Command: "CAP",
						Params:  []string{s.nick, "NAK", msg.Params[1]},
					})
					return false
				}
			case "LS":
				reg := s.capsSnapshot()
				reg.Del(capMigrate)
				s.live.SendMessage(&irc.Message{
					Prefix:  s.srv.prefix(),
					Command: "CAP",
					Params:  []string{s.nick, "LS", reg.FormatCapLS(s.live.negotiation.version)},
				})
				return false
			case "END":
				return false
			}
		}
	case "NICK":
		if len(msg.Params) > 0 {
			// tracked optimistically, the backend confirms with its echo
			s.nick = msg.Params[0]
		}
	}

	s.bc.SendMessage(msg)
	s.srv.metrics.relayedToBackend.Inc()
	return false
}

// handleClientAttached replays state to a resuming client: the cached
// registration burst, a forced nick change if the session nick moved on,
// then every buffered message in arrival order. Only then does live relay
// resume, so replayed and live traffic can't interleave.
func (s *session) handleClientAttached(dc *downstreamConn) {
	s.live = dc

	for _, msg := range s.burst {
		m := msg.Copy()
		if len(m.Params) > 0 {
			m.Params[0] = dc.nick
		}
		dc.SendMessage(m)
	}

	if casemap(dc.nick) != casemap(s.nick) {
		dc.SendMessage(&irc.Message{
			Prefix:  &irc.Prefix{Name: dc.nick, User: dc.username},
			Command: "NICK",
			Params:  []string{s.nick},
		})
	}

	replayed := 0
	for {
		msg := s.ring.Consume()
		if msg == nil {
			break
		}
		dc.SendMessage(msg)
		replayed++
	}
	s.logger.Printf("client attached, replayed %v message(s)", replayed)
}
