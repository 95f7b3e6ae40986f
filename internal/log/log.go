// Package log builds the structured loggers used across the service.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	charm "github.com/charmbracelet/log"
)

var level = charm.InfoLevel

// SetLevel changes the level of loggers created afterwards. Unknown names
// leave it unchanged.
func SetLevel(name string) {
	if parsed, err := charm.ParseLevel(strings.ToLower(strings.TrimSpace(name))); err == nil {
		level = parsed
	}
}

func NewHandler(name string) slog.Handler {
	return newHandler(os.Stderr, name)
}

func newHandler(w io.Writer, name string) *charm.Logger {
	return charm.NewWithOptions(w, charm.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           level,
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(newHandler(io.Discard, ""))
}

type ctxKey struct{}

// IntoContext attaches l to ctx; FromContext reads it back.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// SubLogger derives a logger whose prefix is base's prefix plus suffix.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if cl, ok := base.Handler().(*charm.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(NewHandler(prefix))
	}
	return slog.New(NewHandler(suffix))
}
