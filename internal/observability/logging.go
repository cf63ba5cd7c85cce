// Package observability provides the process logger and prometheus
// metrics shared by all subsystems.
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide slog logger: text handler on stderr
// at the configured level. Subsystems derive component loggers from it
// via logger.With("component", ...).
func NewLogger(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: LogLevelFromString(level),
	})
	return slog.New(handler)
}

// LogLevelFromString converts a config level string to a slog.Level.
// Unrecognized strings fall back to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
