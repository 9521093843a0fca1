package logutil

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Configure installs the process-wide default logger. Components derive
// their loggers from slog.Default() with a "component" attribute.
func Configure(debug bool, format string, levelName string) {
	slog.SetDefault(New(os.Stdout, format, parseLevel(debug, levelName)))
}

// New builds a logger writing to w. Formats: "json", "text", anything else
// is the pretty handler.
func New(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = NewPrettyHandler(w, opts)
	}
	return slog.New(handler)
}

// Component returns the default logger tagged with name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

func parseLevel(debug bool, levelName string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelName)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
