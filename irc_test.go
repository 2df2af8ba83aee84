package oxide

import (
	"testing"

	"gopkg.in/irc.v4"
)

func TestIsNumeric(t *testing.T) {
	tests := []struct {
		cmd  string
		want bool
	}{
		{"001", true},
		{"422", true},
		{"PRIVMSG", false},
		{"01", false},
		{"1234", false},
		{"0a1", false},
	}
	for _, test := range tests {
		if got := isNumeric(test.cmd); got != test.want {
			t.Errorf("isNumeric(%q): want %v, got %v", test.cmd, test.want, got)
		}
	}
}

func TestParseMessageParams(t *testing.T) {
	msg := &irc.Message{Command: "USER", Params: []string{"alice", "0", "*", "Alice"}}

	var username, realname string
	if err := parseMessageParams(msg, &username, nil, nil, &realname); err != nil {
		t.Fatalf("parseMessageParams(): %v", err)
	}
	if username != "alice" || realname != "Alice" {
		t.Fatalf("parseMessageParams(): got username %q, realname %q", username, realname)
	}

	var extra string
	err := parseMessageParams(msg, nil, nil, nil, nil, &extra)
	if _, ok := err.(ircError); !ok {
		t.Fatalf("parseMessageParams() with missing params: want ircError, got: %v", err)
	}
}
