package oxide

import (
	"fmt"
	"testing"

	"gopkg.in/irc.v4"
)

func testRingMessage(i int) *irc.Message {
	return &irc.Message{
		Command: "PRIVMSG",
		Params:  []string{"#test", fmt.Sprintf("message %d", i)},
	}
}

func TestRing(t *testing.T) {
	r := NewRing(4)

	if msg := r.Consume(); msg != nil {
		t.Fatalf("Consume() on empty ring: want nil, got: %v", msg)
	}

	for i := 0; i < 3; i++ {
		r.Produce(testRingMessage(i))
	}
	if r.Len() != 3 {
		t.Fatalf("Len(): want 3, got %v", r.Len())
	}

	for i := 0; i < 3; i++ {
		msg := r.Consume()
		if msg == nil {
			t.Fatalf("Consume(): want message %d, got nil", i)
		}
		if msg.Params[1] != fmt.Sprintf("message %d", i) {
			t.Fatalf("Consume(): out of order: want message %d, got: %v", i, msg)
		}
	}
	if msg := r.Consume(); msg != nil {
		t.Fatalf("Consume() on drained ring: want nil, got: %v", msg)
	}
	if r.Evicted() != 0 {
		t.Fatalf("Evicted(): want 0, got %v", r.Evicted())
	}
}

func TestRingEviction(t *testing.T) {
	r := NewRing(4)

	for i := 0; i < 10; i++ {
		r.Produce(testRingMessage(i))
	}

	if r.Len() != 4 {
		t.Fatalf("Len(): want 4, got %v", r.Len())
	}
	if r.Evicted() != 6 {
		t.Fatalf("Evicted(): want 6, got %v", r.Evicted())
	}

	// the oldest messages are gone, the rest is delivered in order
	for i := 6; i < 10; i++ {
		msg := r.Consume()
		if msg == nil {
			t.Fatalf("Consume(): want message %d, got nil", i)
		}
		if msg.Params[1] != fmt.Sprintf("message %d", i) {
			t.Fatalf("Consume(): want message %d, got: %v", i, msg)
		}
	}
	if msg := r.Consume(); msg != nil {
		t.Fatalf("Consume() on drained ring: want nil, got: %v", msg)
	}
}
