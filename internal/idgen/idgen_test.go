package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	a := WithPrefix("evt_")
	b := WithPrefix("evt_")

	if !strings.HasPrefix(a, "evt_") || len(a) != len("evt_")+24 {
		t.Errorf("unexpected id %q", a)
	}
	if a == b {
		t.Error("expected distinct ids")
	}
}

func TestSecret(t *testing.T) {
	s, err := Secret(32)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if len(s) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(s))
	}
	if _, err := Secret(0); err == nil {
		t.Error("expected error for zero length")
	}
}
