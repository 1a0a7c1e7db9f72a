// Package logger builds the slog loggers used across the library. Training
// runs log to stderr; warnings and errors are colored when the stream is a
// terminal.
package logger

import (
	"context"
	"log/slog"
	"os"
)

const (
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorReset  = "\033[0m"
)

// NewDefaultLogger creates a text logger writing to stderr at the given level.
func NewDefaultLogger(level slog.Level) *slog.Logger {
	return NewLogger(level, "text")
}

// NewLogger creates a logger with the given level and format ("text" or
// "json"). Unknown formats fall back to text.
func NewLogger(level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = &colorHandler{next: slog.NewTextHandler(os.Stderr, opts)}
	}
	return slog.New(handler)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorHandler colors warning and error records on terminals.
type colorHandler struct {
	next slog.Handler
}

func (h *colorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *colorHandler) Handle(ctx context.Context, r slog.Record) error {
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		switch {
		case r.Level >= slog.LevelError:
			os.Stderr.WriteString(colorRed)
			defer os.Stderr.WriteString(colorReset)
		case r.Level >= slog.LevelWarn:
			os.Stderr.WriteString(colorYellow)
			defer os.Stderr.WriteString(colorReset)
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{next: h.next.WithAttrs(attrs)}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return &colorHandler{next: h.next.WithGroup(name)}
}
