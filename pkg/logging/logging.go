// Package logging configures structured logging for the escrow binaries.
//
// Usage:
//
//	logger := logging.New("info", "text") // colored tint output on stderr
//	logger := logging.New("debug", "json") // JSON lines on stdout
//	slog.SetDefault(logger)
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// New builds a logger. format "json" writes JSON to stdout; anything else
// writes colored text to stderr.
func New(level, format string) *slog.Logger {
	if strings.EqualFold(format, "json") {
		return NewJSON(os.Stdout, ParseLevel(level))
	}
	return NewTint(os.Stderr, ParseLevel(level))
}

func NewTint(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		AddSource:  true,
	}))
}

func NewJSON(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// ParseLevel maps debug, warn and error to their slog levels. Anything else
// is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
