package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("thread")
	if !strings.HasPrefix(id, "thread_") {
		t.Fatalf("NewID(thread) = %q, want thread_ prefix", id)
	}
	if len(id) != len("thread_")+32 {
		t.Fatalf("unexpected id length %d for %q", len(id), id)
	}
	if strings.Contains(id, ":") {
		t.Fatalf("id %q must not contain ':'", id)
	}

	bare := NewID("")
	if len(bare) != 32 {
		t.Fatalf("NewID(\"\") = %q, want 32 hex chars", bare)
	}
	if NewID("x") == NewID("x") {
		t.Fatal("expected distinct ids")
	}
}
