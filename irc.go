package oxide

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"gopkg.in/irc.v4"
)

// ircError is an error that can be sent as-is to the offending peer.
type ircError struct {
	Message *irc.Message
}

func (err ircError) Error() string {
	return err.Message.String()
}

func newNeedMoreParamsError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_NEEDMOREPARAMS,
		Params: []string{
			"*",
			cmd,
			"Not enough parameters",
		},
	}}
}

// protocolError is a fatal IRC protocol violation: a malformed or oversized
// line. The connection that produced it is closed.
type protocolError string

func (err protocolError) Error() string {
	return "protocol violation: " + string(err)
}

// upstreamError indicates that the backend server couldn't be dialed or
// refused our registration. It's reported to the waiting client and never
// retried by the connector.
type upstreamError struct {
	err error
}

func (err upstreamError) Error() string {
	return fmt.Sprintf("upstream unavailable: %v", err.err)
}

func (err upstreamError) Unwrap() error {
	return err.err
}

var (
	// errSessionBusy is returned when attaching to a session which already
	// has an attached client.
	errSessionBusy = errors.New("session already has an attached client")
	// errSessionNotFound is returned when no live session matches the
	// presented resumption credential.
	errSessionNotFound = errors.New("no such session")
)

type registrationError string

func (err registrationError) Error() string {
	return fmt.Sprintf("registration error: %v", string(err))
}

func parseMessageParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return newNeedMoreParamsError(msg.Command)
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

// casemap canonicalizes a nickname or username for use as a map key.
func casemap(name string) string {
	return strings.ToLower(name)
}

func isErrClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func isErrTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isNumeric reports whether cmd is an IRC numeric reply.
func isNumeric(cmd string) bool {
	if len(cmd) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if cmd[i] < '0' || cmd[i] > '9' {
			return false
		}
	}
	return true
}
