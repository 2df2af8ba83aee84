package xirc

import (
	"testing"
)

func TestCapRegistryAddAvailable(t *testing.T) {
	cr := NewCapRegistry()
	cr.AddAvailable("sasl=PLAIN,EXTERNAL Message-Tags server-time")

	if !cr.IsAvailable("sasl") {
		t.Error("sasl should be available")
	}
	if v := cr.Available["sasl"]; v != "PLAIN,EXTERNAL" {
		t.Errorf("sasl value: want %q, got %q", "PLAIN,EXTERNAL", v)
	}
	if !cr.IsAvailable("message-tags") {
		t.Error("capability names should be case-insensitive")
	}
	if cr.IsAvailable("away-notify") {
		t.Error("away-notify should not be available")
	}
}

func TestCapRegistryFormatCapLS(t *testing.T) {
	cr := NewCapRegistry()
	cr.AddAvailable("server-time sasl=PLAIN message-tags")

	if got, want := cr.FormatCapLS(302), "message-tags sasl=PLAIN server-time"; got != want {
		t.Errorf("FormatCapLS(302): want %q, got %q", want, got)
	}
	if got, want := cr.FormatCapLS(301), "message-tags sasl server-time"; got != want {
		t.Errorf("FormatCapLS(301): want %q, got %q", want, got)
	}
}

func TestParseCapReq(t *testing.T) {
	got := ParseCapReq("sasl -Message-Tags server-time")
	want := []string{"sasl", "-message-tags", "server-time"}
	if len(got) != len(want) {
		t.Fatalf("ParseCapReq(): want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ParseCapReq(): want %v, got %v", want, got)
		}
	}
}
