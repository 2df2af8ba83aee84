package oxide

import (
	"fmt"

	"github.com/aji/oxide-proxy/xirc"
)

// capState enumerates the phases of CAP negotiation on one side of the
// proxy. The client connection and the backend connection each carry their
// own state machine, advancing independently.
type capState int

const (
	// capNotStarted: no CAP message has been seen on this connection.
	capNotStarted capState = iota
	// capListing: a CAP LS has been sent or received, the capability list
	// is still incomplete (multi-line LS uses a "*" continuation marker).
	capListing
	// capNegotiating: the full capability list is known, CAP REQ exchanges
	// may happen.
	capNegotiating
	// capEnded: CAP END has been sent or received, or the peer never
	// started negotiating. Registration may complete.
	capEnded
)

func (st capState) String() string {
	switch st {
	case capNotStarted:
		return "not-started"
	case capListing:
		return "listing"
	case capNegotiating:
		return "negotiating"
	case capEnded:
		return "ended"
	}
	return fmt.Sprintf("unknown (%d)", int(st))
}

// capNegotiation is the CAP negotiation state machine for a single
// connection. While the state isn't capEnded, registration messages from
// that peer are queued, not relayed.
type capNegotiation struct {
	state   capState
	caps    xirc.CapRegistry
	version int // CAP LS version requested by the peer, e.g. 302
}

func newCapNegotiation() capNegotiation {
	return capNegotiation{
		state: capNotStarted,
		caps:  xirc.NewCapRegistry(),
	}
}

// transition advances the state machine, failing with a protocol violation
// on an illegal transition.
func (cn *capNegotiation) transition(to capState) error {
	legal := false
	switch cn.state {
	case capNotStarted:
		legal = to == capListing || to == capNegotiating || to == capEnded
	case capListing:
		legal = to == capListing || to == capNegotiating
	case capNegotiating:
		legal = to == capNegotiating || to == capEnded
	case capEnded:
		legal = to == capEnded
	}
	if !legal {
		return protocolError(fmt.Sprintf("invalid CAP state transition from %v to %v", cn.state, to))
	}
	cn.state = to
	return nil
}

// ended reports whether negotiation has settled on this connection. A
// connection which never started negotiating counts as settled: capState
// only blocks registration once a CAP exchange is in flight.
func (cn *capNegotiation) ended() bool {
	return cn.state == capNotStarted || cn.state == capEnded
}
