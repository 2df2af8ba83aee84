package oxide

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/irc.v4"

	"github.com/aji/oxide-proxy/xirc"
)

// downstreamPendingLimit bounds the number of commands a client may queue
// before registration settles.
const downstreamPendingLimit = 64

// downstreamConn is a client connection to the proxy. Until registration
// completes it is driven synchronously by its own reader goroutine, running
// the client side of the CAP state machine in lockstep with the backend.
// Afterwards it only feeds events into its session.
type downstreamConn struct {
	conn

	id  uint64
	srv *Server

	registered bool
	nick       string
	username   string
	realname   string
	pass       string

	negotiation capNegotiation

	// commands received before registration settled, relayed to the
	// backend afterwards in order
	pending []*irc.Message

	// fresh backend connection being set up, nil when resuming
	backend *backendConn
	// live session once resolved, resume candidate before that
	session *session
	resume  *session
	// set once a lookup of an explicit PASS token failed, so that the
	// password is relayed to the backend instead
	passRejected bool
}

func newDownstreamConn(srv *Server, ic ircConn, id uint64) *downstreamConn {
	remoteAddr := ic.RemoteAddr().String()
	logger := &prefixLogger{srv.Logger, fmt.Sprintf("client %q: ", remoteAddr)}
	options := connOptions{Logger: logger}
	dc := &downstreamConn{
		conn:        *newConn(srv, ic, &options),
		id:          id,
		srv:         srv,
		negotiation: newCapNegotiation(),
	}
	return dc
}

// runUntilRegistered processes client messages until registration settles,
// either by attaching to an existing session or by registering a fresh
// backend connection.
func (dc *downstreamConn) runUntilRegistered() error {
	// Deadline for the entire registration phase, so a stalled client
	// can't pin a half-open backend connection.
	dc.SetReadDeadline(time.Now().Add(registerTimeout))
	defer dc.SetReadDeadline(time.Time{})

	for !dc.registered {
		msg, err := dc.ReadMessage()
		if err == io.EOF {
			return fmt.Errorf("client disconnected before registering")
		} else if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}

		err = dc.handleMessageUnregistered(msg)
		if ircErr, ok := err.(ircError); ok {
			ircErr.Message.Prefix = dc.srv.prefix()
			dc.SendMessage(ircErr.Message)
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to handle message %q: %w", msg.Command, err)
		}
	}

	return nil
}

func (dc *downstreamConn) handleMessageUnregistered(msg *irc.Message) error {
	switch msg.Command {
	case "PASS":
		var pass string
		if err := parseMessageParams(msg, &pass); err != nil {
			return err
		}
		dc.pass = pass
	case "NICK":
		var nick string
		if err := parseMessageParams(msg, &nick); err != nil {
			return err
		}
		dc.nick = nick
		return dc.maybeRegister()
	case "USER":
		var username string
		if err := parseMessageParams(msg, &username, nil, nil, &dc.realname); err != nil {
			return err
		}
		dc.username = username
		return dc.maybeRegister()
	case "CAP":
		var subCmd string
		if err := parseMessageParams(msg, &subCmd); err != nil {
			return err
		}
		return dc.handleCap(strings.ToUpper(subCmd), msg.Params[1:])
	case "AUTHENTICATE":
		return dc.handleAuthenticate(msg)
	case "PING":
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: "PONG",
			Params:  msg.Params,
		})
	case "QUIT":
		return io.EOF
	default:
		// Hold anything else back until registration settles, then relay
		// in order: capability state must settle before ordinary commands
		// reach the backend.
		if len(dc.pending) >= downstreamPendingLimit {
			return protocolError("too many commands before registration")
		}
		dc.pending = append(dc.pending, msg)
	}
	return nil
}

func (dc *downstreamConn) handleCap(subCmd string, args []string) error {
	cn := &dc.negotiation

	switch subCmd {
	case "LS":
		if len(args) > 0 {
			if v, err := strconv.Atoi(args[0]); err == nil {
				cn.version = v
			}
		}
		if err := cn.transition(capListing); err != nil {
			return err
		}

		caps, err := dc.backendCapRegistry()
		if err != nil {
			return dc.failUpstream(err)
		}
		// The advertised list never contains migrate, whatever the
		// backend supports: it's the shim's business, not the client's.
		caps.Del(capMigrate)
		cn.caps.Available = caps.Available

		// the list fits a single reply, no continuation needed
		if err := cn.transition(capNegotiating); err != nil {
			return err
		}
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: "CAP",
			Params:  []string{dc.capTarget(), "LS", cn.caps.FormatCapLS(cn.version)},
		})
	case "LIST":
		var enabled []string
		for name := range cn.caps.Enabled {
			enabled = append(enabled, name)
		}
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: "CAP",
			Params:  []string{dc.capTarget(), "LIST", strings.Join(enabled, " ")},
		})
	case "REQ":
		if len(args) < 1 {
			return newNeedMoreParamsError("CAP")
		}
		if err := cn.transition(capNegotiating); err != nil {
			return err
		}
		return dc.handleCapReq(args[0])
	case "END":
		if err := cn.transition(capEnded); err != nil {
			return err
		}
		return dc.maybeRegister()
	default:
		return ircError{&irc.Message{
			Command: xirc.ERR_INVALIDCAPCMD,
			Params:  []string{dc.capTarget(), subCmd, "Unknown CAP command"},
		}}
	}
	return nil
}

func (dc *downstreamConn) handleCapReq(list string) error {
	cn := &dc.negotiation
	acked := false

	switch {
	case capListHas(list, capMigrate):
		// never advertised, never granted
	case dc.resumeTarget() != nil:
		// The backend connection already negotiated its capabilities in a
		// previous life. Grant whatever the backend advertises, refuse the
		// rest: there is no backend negotiation to relay into.
		acked = true
		for _, name := range xirc.ParseCapReq(list) {
			name = strings.TrimPrefix(name, "-")
			if !dc.resume.capAvailable(name) {
				acked = false
				break
			}
		}
	default:
		if err := dc.ensureBackend(); err != nil {
			return dc.failUpstream(err)
		}
		var err error
		acked, err = dc.backend.requestCaps(list, dc.forwardFromBackend)
		if err != nil {
			return dc.failUpstream(err)
		}
	}

	verdict := "NAK"
	if acked {
		verdict = "ACK"
		for _, name := range xirc.ParseCapReq(list) {
			enable := !strings.HasPrefix(name, "-")
			name = strings.TrimPrefix(name, "-")
			cn.caps.SetEnabled(name, enable)
			if name == "message-tags" && enable {
				dc.SetMaxLineLen(xirc.MaxLineLength + xirc.MaxTagsLength)
			}
		}
	}
	dc.SendMessage(&irc.Message{
		Prefix:  dc.srv.prefix(),
		Command: "CAP",
		Params:  []string{dc.capTarget(), verdict, list},
	})
	return nil
}

func (dc *downstreamConn) handleAuthenticate(msg *irc.Message) error {
	if dc.srv.Config().SASL.Mechanism != "" || !dc.negotiation.caps.IsEnabled("sasl") {
		// the proxy owns SASL toward the backend, or the client never
		// requested the capability
		return ircError{&irc.Message{
			Command: xirc.ERR_SASLFAIL,
			Params:  []string{dc.capTarget(), "SASL authentication failed"},
		}}
	}
	if err := dc.ensureBackend(); err != nil {
		return dc.failUpstream(err)
	}
	if err := dc.backend.relayAuthenticate(msg, dc); err != nil {
		return dc.failUpstream(err)
	}
	return nil
}

// capTarget returns the first CAP reply parameter: the client's nick once
// known, "*" before that.
func (dc *downstreamConn) capTarget() string {
	if dc.nick != "" {
		return dc.nick
	}
	return "*"
}

// serverPassword returns the PASS credential to relay to the backend. A
// password that was meant as a resumption token is never relayed.
func (dc *downstreamConn) serverPassword() string {
	if dc.resume != nil {
		return ""
	}
	return dc.pass
}

// resumeTarget resolves an explicit resumption token carried in PASS, if
// any. Identity-derived resumption is resolved later, at registration time.
func (dc *downstreamConn) resumeTarget() *session {
	if dc.resume != nil {
		return dc.resume
	}
	if dc.pass == "" || dc.passRejected {
		return nil
	}
	if s := dc.srv.sessions.lookupToken(dc.pass); s != nil {
		dc.resume = s
	} else {
		dc.passRejected = true
	}
	return dc.resume
}

// backendCapRegistry returns the capability set to advertise to the client:
// the resume target's cached backend capabilities, or a freshly negotiated
// list from a new backend connection.
func (dc *downstreamConn) backendCapRegistry() (xirc.CapRegistry, error) {
	if s := dc.resumeTarget(); s != nil {
		return s.capsSnapshot(), nil
	}
	if err := dc.ensureBackend(); err != nil {
		return xirc.CapRegistry{}, err
	}
	reg := xirc.NewCapRegistry()
	for name, value := range dc.backend.negotiation.caps.Available {
		reg.Available[name] = value
	}
	return reg, nil
}

// ensureBackend dials the upstream server and exchanges the initial CAP LS,
// once.
func (dc *downstreamConn) ensureBackend() error {
	if dc.backend != nil {
		return nil
	}

	logger := &prefixLogger{dc.srv.Logger, fmt.Sprintf("backend for client %q: ", dc.RemoteAddr())}
	bc, err := connectBackend(dc.srv, logger)
	if err != nil {
		return err
	}
	dc.backend = bc

	if err := bc.exchangeCapLS(dc.forwardFromBackend); err != nil {
		return err
	}
	return nil
}

// forwardFromBackend relays a backend message received during the
// registration lockstep, applying the shim's filter.
func (dc *downstreamConn) forwardFromBackend(msg *irc.Message) {
	if isMigrateFrame(msg) {
		if dc.backend != nil {
			if token, ok := migrateToken(msg); ok {
				dc.backend.token = token
			}
		}
		return
	}
	dc.SendMessage(msg)
}

// failUpstream reports a backend failure to the client and aborts the
// connection. The client sees a standard ERROR, not internal identifiers.
func (dc *downstreamConn) failUpstream(err error) error {
	dc.logger.Printf("upstream failure during registration: %v", err)
	dc.SendMessage(&irc.Message{
		Command: "ERROR",
		Params:  []string{"Connection to upstream server failed"},
	})
	return err
}

// maybeRegister completes registration once the nick, the username and the
// capability negotiation have all settled. It decides between resuming an
// existing session and registering a fresh backend connection.
func (dc *downstreamConn) maybeRegister() error {
	if dc.registered || dc.nick == "" || dc.username == "" || !dc.negotiation.ended() {
		return nil
	}

	target := dc.resumeTarget()
	if target == nil {
		target = dc.srv.sessions.lookupClient(casemap(dc.username))
	}
	if target != nil {
		err := target.attach(dc)
		if err == nil {
			if dc.backend != nil {
				// the fresh dial lost the race against resumption
				dc.backend.Close()
				dc.backend = nil
			}
			dc.session = target
			dc.registered = true
			dc.srv.metrics.sessionsResumed.Inc()
			dc.logger.Printf("resumed session %q", target.clientKey)
			dc.flushPending()
			return nil
		}
		// SessionBusy or a session that died underneath us: fall back to
		// fresh registration, never hang.
		dc.logger.Printf("cannot resume session: %v", err)
		dc.resume = nil
		dc.passRejected = true
	}

	if err := dc.ensureBackend(); err != nil {
		return dc.failUpstream(err)
	}
	if err := dc.backend.register(dc); err != nil {
		return dc.failUpstream(err)
	}

	s := newSession(dc.srv, dc.backend, dc)
	dc.backend = nil
	dc.session = s
	dc.registered = true
	dc.logger.Printf("registered session %q", s.clientKey)
	dc.flushPending()
	return nil
}

func (dc *downstreamConn) flushPending() {
	for _, msg := range dc.pending {
		dc.session.post(eventClientMessage{dc: dc, msg: msg})
	}
	dc.pending = nil
}

// readMessages relays client messages into the session until the client
// goes away. The session outlives the client connection.
func (dc *downstreamConn) readMessages() {
	for {
		msg, err := dc.ReadMessage()
		if err == io.EOF || isErrClosed(err) {
			break
		} else if err != nil {
			if _, ok := err.(protocolError); ok {
				dc.logger.Printf("closing connection: %v", err)
			} else {
				dc.logger.Printf("failed to read message: %v", err)
			}
			break
		}
		dc.session.post(eventClientMessage{dc: dc, msg: msg})
	}
	dc.session.post(eventClientDetached{dc: dc})
}
