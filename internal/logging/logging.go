// Package logging builds the process-wide *slog.Logger from a Level and
// installs it as the slog default.
//
// It is grounded on the teacher's main.go, which wires a
// charmbracelet/log handler (for colorized, leveled console output) through
// termenv to force color even without a TTY, then plugs it into log/slog via
// slog.SetDefault(slog.New(logger)) — charmbracelet/log.Logger implements
// slog.Handler directly.
package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

type ctxKey struct{}

// Setup builds a *slog.Logger writing to w at level, installs it as the
// slog default, and returns it. level is a standard slog.Level value
// (slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError).
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	handler := log.NewWithOptions(w, log.Options{
		Level:           log.Level(level),
		ReportTimestamp: true,
	})
	handler.SetColorProfile(termenv.TrueColor)

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// NewContext returns a child of ctx carrying logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext extracts the logger stashed by NewContext, falling back to
// slog.Default() when ctx carries none.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
