// Package logging wraps log/slog with the handler selection used across the
// rest of the stack: colorized tint output for local development, structured
// JSON for everything else.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Mode selects which slog.Handler New builds.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// Options configures New.
type Options struct {
	Mode   Mode
	Level  slog.Level
	Writer io.Writer
}

// New builds a *slog.Logger for the given mode. Dev mode uses tint for
// human-readable, timestamped, colorized console output; any other mode
// emits newline-delimited JSON suitable for log aggregation.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	var handler slog.Handler
	switch opts.Mode {
	case ModeDev:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      opts.Level,
			TimeFormat: time.Kitchen,
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: opts.Level,
		})
	}

	return slog.New(handler)
}

type contextKey struct{}

// WithLogger attaches a logger to ctx for retrieval via FromContext.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger attached to ctx, or slog.Default() if none
// was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
