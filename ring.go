package oxide

import (
	"gopkg.in/irc.v4"
)

// Ring is a bounded message buffer. The ring buffer size is fixed: when the
// buffer is full, producing a new message evicts the oldest one.
//
// Ring is not safe for concurrent use, it's owned by the session goroutine.
type Ring struct {
	buffer []*irc.Message
	cap    uint64

	produced uint64
	consumed uint64
	evicted  uint64
}

// NewRing creates a new ring buffer.
func NewRing(capacity int) *Ring {
	return &Ring{
		buffer: make([]*irc.Message, capacity),
		cap:    uint64(capacity),
	}
}

// Produce appends a new message to the ring buffer, evicting the oldest
// message if the buffer is full.
func (r *Ring) Produce(msg *irc.Message) {
	if r.produced-r.consumed == r.cap {
		r.consumed++
		r.evicted++
	}
	i := int(r.produced % r.cap)
	r.buffer[i] = msg
	r.produced++
}

// Consume consumes and returns the oldest pending message. A nil message is
// returned if no message is available.
func (r *Ring) Consume() *irc.Message {
	if r.consumed == r.produced {
		return nil
	}
	i := int(r.consumed % r.cap)
	msg := r.buffer[i]
	if msg == nil {
		panic("oxide: unexpected nil ring buffer entry")
	}
	r.buffer[i] = nil
	r.consumed++
	return msg
}

// Len returns the number of pending messages.
func (r *Ring) Len() int {
	return int(r.produced - r.consumed)
}

// Evicted returns the total number of messages dropped because the buffer
// was full.
func (r *Ring) Evicted() uint64 {
	return r.evicted
}
