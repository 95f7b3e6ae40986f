package log

import (
	"context"
	"log/slog"
	"testing"

	charm "github.com/charmbracelet/log"
)

func TestContextRoundTrip(t *testing.T) {
	l := New("quire")
	ctx := IntoContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("expected the attached logger back")
	}
	if FromContext(context.Background()) != slog.Default() {
		t.Fatal("expected default logger without attachment")
	}
}

func TestSubLoggerPrefix(t *testing.T) {
	sub := SubLogger(New("quire"), "relay")
	cl, ok := sub.Handler().(*charm.Logger)
	if !ok {
		t.Fatalf("unexpected handler %T", sub.Handler())
	}
	if cl.GetPrefix() != "quire/relay" {
		t.Fatalf("prefix = %q", cl.GetPrefix())
	}
}
