package oxide

import (
	"testing"

	"gopkg.in/irc.v4"
)

func TestStripMigrateCap(t *testing.T) {
	tests := []struct {
		list, want string
	}{
		{"", ""},
		{"migrate", ""},
		{"sasl migrate message-tags", "sasl message-tags"},
		{"migrate=draft sasl", "sasl"},
		{"-migrate sasl", "sasl"},
		{"sasl=PLAIN,EXTERNAL server-time", "sasl=PLAIN,EXTERNAL server-time"},
		{"MIGRATE sasl", "sasl"},
	}
	for _, test := range tests {
		if got := stripMigrateCap(test.list); got != test.want {
			t.Errorf("stripMigrateCap(%q): want %q, got %q", test.list, test.want, got)
		}
	}
}

func TestCapListHas(t *testing.T) {
	tests := []struct {
		list, cap string
		want      bool
	}{
		{"sasl migrate", "migrate", true},
		{"migrate=draft", "migrate", true},
		{"-migrate", "migrate", true},
		{"sasl message-tags", "migrate", false},
		{"", "migrate", false},
	}
	for _, test := range tests {
		if got := capListHas(test.list, test.cap); got != test.want {
			t.Errorf("capListHas(%q, %q): want %v, got %v", test.list, test.cap, test.want, got)
		}
	}
}

func TestMigrateToken(t *testing.T) {
	msg := &irc.Message{Command: "MIGRATE", Params: []string{"TOKEN", "tok-1"}}
	if token, ok := migrateToken(msg); !ok || token != "tok-1" {
		t.Errorf("migrateToken(%v): want (\"tok-1\", true), got (%q, %v)", msg, token, ok)
	}

	bad := []*irc.Message{
		{Command: "MIGRATE", Params: []string{"TOKEN"}},
		{Command: "MIGRATE", Params: []string{"RESUME", "tok-1"}},
		{Command: "PRIVMSG", Params: []string{"TOKEN", "tok-1"}},
	}
	for _, msg := range bad {
		if token, ok := migrateToken(msg); ok {
			t.Errorf("migrateToken(%v): want no token, got %q", msg, token)
		}
	}
}

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		token, err := generateToken()
		if err != nil {
			t.Fatalf("generateToken(): %v", err)
		}
		if token == "" {
			t.Fatal("generateToken(): empty token")
		}
		if _, ok := seen[token]; ok {
			t.Fatalf("generateToken(): duplicate token %q", token)
		}
		seen[token] = struct{}{}
	}
}
