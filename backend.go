package oxide

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"gopkg.in/irc.v4"

	"github.com/aji/oxide-proxy/xirc"
)

// backendConn is the proxy's connection to the upstream IRC server. Before a
// session exists it is driven synchronously by the client's goroutine, in
// lockstep with the client-side negotiation. Once registration completes the
// session takes ownership and a dedicated reader goroutine is started.
type backendConn struct {
	conn

	srv *Server

	negotiation capNegotiation
	registered  bool
	// the backend predates CAP: it never answered our CAP LS, so no CAP
	// END must be sent either
	capless bool

	// resumption token issued by the backend via MIGRATE TOKEN, empty if
	// none was received yet
	token string
	// registration burst captured for replay to a resuming client
	burst []*irc.Message

	saslClient  sasl.Client
	saslStarted bool
}

// connectBackend dials the configured upstream address. Dial failures are
// upstream errors: they're reported to the waiting client and never retried
// here.
func connectBackend(srv *Server, logger Logger) (*backendConn, error) {
	cfg := srv.Config()

	u, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream address %q: %v", cfg.Upstream, err)
	}

	dialer := net.Dialer{Timeout: connectTimeout}

	var netConn net.Conn
	switch u.Scheme {
	case "ircs":
		addr := u.Host
		host, _, err := net.SplitHostPort(u.Host)
		if err != nil {
			host = u.Host
			addr = u.Host + ":6697"
		}

		logger.Debugf("connecting to TLS server at address %q", addr)
		netConn, err = dialer.Dial("tcp", addr)
		if err != nil {
			return nil, upstreamError{fmt.Errorf("failed to dial %q: %v", addr, err)}
		}
		netConn = tls.Client(netConn, &tls.Config{ServerName: host, NextProtos: []string{"irc"}})
	case "irc+insecure":
		addr := u.Host
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = addr + ":6667"
		}

		logger.Debugf("connecting to plain-text server at address %q", addr)
		netConn, err = dialer.Dial("tcp", addr)
		if err != nil {
			return nil, upstreamError{fmt.Errorf("failed to dial %q: %v", addr, err)}
		}
	case "irc+unix", "unix":
		logger.Debugf("connecting to Unix socket at path %q", u.Path)
		netConn, err = dialer.Dial("unix", u.Path)
		if err != nil {
			return nil, upstreamError{fmt.Errorf("failed to connect to Unix socket %q: %v", u.Path, err)}
		}
	default:
		return nil, fmt.Errorf("failed to dial %q: unknown scheme: %v", cfg.Upstream, u.Scheme)
	}

	options := connOptions{
		Logger:         logger,
		RateLimitDelay: backendMessageDelay,
		RateLimitBurst: backendMessageBurst,
	}

	bc := &backendConn{
		conn:        *newConn(srv, newNetIRCConn(netConn), &options),
		srv:         srv,
		negotiation: newCapNegotiation(),
	}
	return bc, nil
}

// readRegistrationMessage reads the next backend message during the
// registration lockstep, with a deadline so a stalled backend can't hold the
// client hostage forever.
func (bc *backendConn) readRegistrationMessage() (*irc.Message, error) {
	bc.SetReadDeadline(time.Now().Add(registerTimeout))
	msg, err := bc.ReadMessage()
	bc.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, upstreamError{err}
	}
	return msg, nil
}

// exchangeCapLS sends CAP LS 302 and collects the backend's full capability
// list, following multi-line continuations. Unrelated messages received in
// the meantime are handed to fwd.
//
// A backend that predates CAP replies with an unknown-command error, or with
// nothing at all. Either counts as an empty capability list and negotiation
// is skipped, so registration can proceed against such servers.
func (bc *backendConn) exchangeCapLS(fwd func(*irc.Message)) error {
	bc.SendMessage(&irc.Message{
		Command: "CAP",
		Params:  []string{"LS", "302"},
	})
	if err := bc.negotiation.transition(capListing); err != nil {
		return err
	}

	for bc.negotiation.state == capListing {
		bc.SetReadDeadline(time.Now().Add(capTimeout))
		msg, err := bc.ReadMessage()
		bc.SetReadDeadline(time.Time{})
		if err != nil {
			if isErrTimeout(err) {
				bc.capless = true
				return bc.negotiation.transition(capNegotiating)
			}
			return upstreamError{err}
		}

		switch msg.Command {
		case "CAP":
			var subCmd string
			if err := parseMessageParams(msg, nil, &subCmd); err != nil {
				return err
			}
			if strings.ToUpper(subCmd) != "LS" {
				bc.logger.Printf("unhandled message during CAP LS: %v", msg)
				continue
			}

			subParams := msg.Params[2:]
			if len(subParams) < 1 {
				return newNeedMoreParamsError(msg.Command)
			}
			caps := subParams[len(subParams)-1]
			more := len(subParams) >= 2 && subParams[0] == "*"

			bc.negotiation.caps.AddAvailable(caps)

			if more {
				// wait to receive all capabilities
				if err := bc.negotiation.transition(capListing); err != nil {
					return err
				}
			} else if err := bc.negotiation.transition(capNegotiating); err != nil {
				return err
			}
		case irc.ERR_UNKNOWNCOMMAND, irc.ERR_NOTREGISTERED:
			bc.capless = true
			return bc.negotiation.transition(capNegotiating)
		case "PING":
			bc.SendMessage(&irc.Message{
				Command: "PONG",
				Params:  msg.Params,
			})
		default:
			fwd(msg)
		}
	}

	return nil
}

// requestCaps relays a CAP REQ list to the backend and waits for its
// verdict. The ACK/NAK frame itself is consumed, not forwarded: the caller
// mirrors the verdict to the client if the request was the client's.
func (bc *backendConn) requestCaps(list string, fwd func(*irc.Message)) (acked bool, err error) {
	if bc.negotiation.state == capListing {
		return false, protocolError("CAP REQ before the capability list is complete")
	}
	if err := bc.negotiation.transition(capNegotiating); err != nil {
		return false, err
	}

	bc.SendMessage(&irc.Message{
		Command: "CAP",
		Params:  []string{"REQ", list},
	})

	for {
		msg, err := bc.readRegistrationMessage()
		if err != nil {
			return false, err
		}

		switch msg.Command {
		case "CAP":
			var subCmd string
			if err := parseMessageParams(msg, nil, &subCmd); err != nil {
				return false, err
			}
			subCmd = strings.ToUpper(subCmd)
			if subCmd != "ACK" && subCmd != "NAK" {
				bc.logger.Printf("unhandled message during CAP REQ: %v", msg)
				continue
			}
			if len(msg.Params) < 3 {
				return false, newNeedMoreParamsError(msg.Command)
			}

			if subCmd == "ACK" {
				for _, name := range xirc.ParseCapReq(msg.Params[2]) {
					enable := !strings.HasPrefix(name, "-")
					name = strings.TrimPrefix(name, "-")
					bc.negotiation.caps.SetEnabled(name, enable)
					if name == "message-tags" && enable {
						bc.SetMaxLineLen(xirc.MaxLineLength + xirc.MaxTagsLength)
					}
				}
			}
			return subCmd == "ACK", nil
		case "PING":
			bc.SendMessage(&irc.Message{
				Command: "PONG",
				Params:  msg.Params,
			})
		default:
			fwd(msg)
		}
	}
}

// register completes the backend side of registration on behalf of dc: the
// shim's own migrate request, SASL if the proxy is configured for it, CAP
// END, then the client's registration commands, relayed unchanged. It
// returns once the backend accepts the registration with RPL_WELCOME.
func (bc *backendConn) register(dc *downstreamConn) error {
	fwd := dc.forwardFromBackend

	// The tie-break: the backend advertises migrate but the client's own
	// CAP REQ list didn't include it. The shim requests it on the backend
	// connection only, the client's view of the negotiation stays
	// untouched.
	if bc.negotiation.caps.IsAvailable(capMigrate) && !dc.negotiation.caps.IsEnabled(capMigrate) {
		acked, err := bc.requestCaps(capMigrate, fwd)
		if err != nil {
			return err
		}
		if !acked {
			bc.logger.Printf("backend advertised %q but refused our request", capMigrate)
		}
	}

	cfg := bc.srv.Config()
	if cfg.SASL.Mechanism != "" {
		if err := bc.authenticate(&cfg.SASL, fwd); err != nil {
			return err
		}
	}

	if bc.negotiation.state != capEnded {
		if !bc.capless {
			bc.SendMessage(&irc.Message{
				Command: "CAP",
				Params:  []string{"END"},
			})
		}
		if err := bc.negotiation.transition(capEnded); err != nil {
			return err
		}
	}

	if pass := dc.serverPassword(); pass != "" {
		bc.SendMessage(&irc.Message{
			Command: "PASS",
			Params:  []string{pass},
		})
	}
	bc.SendMessage(&irc.Message{
		Command: "NICK",
		Params:  []string{dc.nick},
	})
	bc.SendMessage(&irc.Message{
		Command: "USER",
		Params:  []string{dc.username, "0", "*", dc.realname},
	})

	for !bc.registered {
		msg, err := bc.readRegistrationMessage()
		if err != nil {
			return err
		}

		switch msg.Command {
		case irc.RPL_WELCOME:
			bc.registered = true
			bc.burst = append(bc.burst, msg)
			fwd(msg)
		case "PING":
			bc.SendMessage(&irc.Message{
				Command: "PONG",
				Params:  msg.Params,
			})
		case "MIGRATE":
			if token, ok := migrateToken(msg); ok {
				bc.token = token
			}
		case "ERROR":
			var text string
			if len(msg.Params) > 0 {
				text = msg.Params[0]
			}
			return registrationError(text)
		case irc.ERR_NICKNAMEINUSE, irc.ERR_ERRONEUSNICKNAME, irc.ERR_NICKCOLLISION,
			irc.ERR_UNAVAILRESOURCE, irc.ERR_PASSWDMISMATCH, irc.ERR_YOUREBANNEDCREEP:
			fwd(msg)
			return registrationError(fmt.Sprintf("registration refused with %v", msg.Command))
		default:
			fwd(msg)
		}
	}

	return nil
}

// authenticate performs SASL with the backend using the proxy's own
// credentials, inside the CAP negotiation phase.
func (bc *backendConn) authenticate(auth *SASL, fwd func(*irc.Message)) error {
	if !bc.negotiation.caps.IsAvailable("sasl") {
		return registrationError("backend doesn't support SASL authentication")
	}
	if !bc.negotiation.caps.IsEnabled("sasl") {
		acked, err := bc.requestCaps("sasl", fwd)
		if err != nil {
			return err
		}
		if !acked {
			return registrationError("backend refused the sasl capability")
		}
	}

	switch auth.Mechanism {
	case "PLAIN":
		bc.saslClient = sasl.NewPlainClient("", auth.Plain.Username, auth.Plain.Password)
	default:
		return fmt.Errorf("unsupported SASL mechanism %q", auth.Mechanism)
	}

	bc.SendMessage(&irc.Message{
		Command: "AUTHENTICATE",
		Params:  []string{auth.Mechanism},
	})

	for {
		msg, err := bc.readRegistrationMessage()
		if err != nil {
			return err
		}

		switch msg.Command {
		case "AUTHENTICATE":
			var challengeStr string
			if err := parseMessageParams(msg, &challengeStr); err != nil {
				return err
			}
			var challenge []byte
			if challengeStr != "+" {
				challenge, err = base64.StdEncoding.DecodeString(challengeStr)
				if err != nil {
					return fmt.Errorf("failed to decode SASL challenge: %v", err)
				}
			}

			var resp []byte
			if !bc.saslStarted {
				_, resp, err = bc.saslClient.Start()
				bc.saslStarted = true
			} else {
				resp, err = bc.saslClient.Next(challenge)
			}
			if err != nil {
				return fmt.Errorf("SASL authentication failed: %v", err)
			}

			bc.sendSASLResponse(resp)
		case xirc.RPL_LOGGEDIN, xirc.RPL_SASLSUCCESS:
			if msg.Command == xirc.RPL_SASLSUCCESS {
				bc.saslClient = nil
				bc.saslStarted = false
				return nil
			}
		case xirc.ERR_SASLFAIL, xirc.ERR_SASLTOOLONG, xirc.ERR_SASLABORTED, xirc.ERR_SASLALREADY:
			var text string
			if len(msg.Params) > 0 {
				text = msg.Params[len(msg.Params)-1]
			}
			return registrationError(fmt.Sprintf("SASL authentication failed: %v", text))
		case "PING":
			bc.SendMessage(&irc.Message{
				Command: "PONG",
				Params:  msg.Params,
			})
		default:
			fwd(msg)
		}
	}
}

// sendSASLResponse splits a SASL response into 400-byte AUTHENTICATE chunks.
func (bc *backendConn) sendSASLResponse(resp []byte) {
	encoded := base64.StdEncoding.EncodeToString(resp)
	if encoded == "" {
		bc.SendMessage(&irc.Message{
			Command: "AUTHENTICATE",
			Params:  []string{"+"},
		})
		return
	}

	lastLen := 0
	for len(encoded) > 0 {
		chunk := encoded
		if len(chunk) > 400 {
			chunk = chunk[:400]
		}
		encoded = encoded[len(chunk):]
		lastLen = len(chunk)
		bc.SendMessage(&irc.Message{
			Command: "AUTHENTICATE",
			Params:  []string{chunk},
		})
	}
	if lastLen == 400 {
		// an empty final chunk marks the end of the response
		bc.SendMessage(&irc.Message{
			Command: "AUTHENTICATE",
			Params:  []string{"+"},
		})
	}
}

// relayAuthenticate relays a client AUTHENTICATE exchange with the backend,
// transparently: the proxy only steps aside when it owns SASL itself.
func (bc *backendConn) relayAuthenticate(msg *irc.Message, dc *downstreamConn) error {
	bc.SendMessage(msg)

	for {
		reply, err := bc.readRegistrationMessage()
		if err != nil {
			return err
		}

		switch reply.Command {
		case "AUTHENTICATE":
			// challenge: the client's next message continues the exchange
			dc.SendMessage(reply)
			return nil
		case xirc.RPL_LOGGEDIN:
			dc.SendMessage(reply)
		case xirc.RPL_SASLSUCCESS, xirc.ERR_SASLFAIL, xirc.ERR_SASLTOOLONG,
			xirc.ERR_SASLABORTED, xirc.ERR_SASLALREADY:
			dc.SendMessage(reply)
			return nil
		case "PING":
			bc.SendMessage(&irc.Message{
				Command: "PONG",
				Params:  reply.Params,
			})
		default:
			dc.forwardFromBackend(reply)
		}
	}
}
