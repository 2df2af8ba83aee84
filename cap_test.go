package oxide

import (
	"testing"
)

func TestCapNegotiationTransition(t *testing.T) {
	legal := map[capState][]capState{
		capNotStarted:  {capListing, capNegotiating, capEnded},
		capListing:     {capListing, capNegotiating},
		capNegotiating: {capNegotiating, capEnded},
		capEnded:       {capEnded},
	}

	states := []capState{capNotStarted, capListing, capNegotiating, capEnded}
	for _, from := range states {
		for _, to := range states {
			want := false
			for _, st := range legal[from] {
				if st == to {
					want = true
				}
			}

			cn := newCapNegotiation()
			cn.state = from
			err := cn.transition(to)
			if want && err != nil {
				t.Errorf("transition %v -> %v: want success, got: %v", from, to, err)
			} else if !want && err == nil {
				t.Errorf("transition %v -> %v: want protocol violation, got success", from, to)
			}
			if !want {
				if _, ok := err.(protocolError); !ok {
					t.Errorf("transition %v -> %v: want protocolError, got %T", from, to, err)
				}
				if cn.state != from {
					t.Errorf("transition %v -> %v: state changed on illegal transition", from, to)
				}
			} else if cn.state != to {
				t.Errorf("transition %v -> %v: state not updated", from, to)
			}
		}
	}
}

func TestCapNegotiationEnded(t *testing.T) {
	tests := []struct {
		state capState
		want  bool
	}{
		{capNotStarted, true},
		{capListing, false},
		{capNegotiating, false},
		{capEnded, true},
	}
	for _, test := range tests {
		cn := newCapNegotiation()
		cn.state = test.state
		if got := cn.ended(); got != test.want {
			t.Errorf("ended() in state %v: want %v, got %v", test.state, test.want, got)
		}
	}
}
