// Package logging provides structured logging configuration for the OTA agent.
//
// Logs are JSON by default for journald, with a text format for running the
// agent by hand. Source locations are shortened to the internal/ path.
//
// Usage:
//
//	logger := logging.SetupLogger("info", "json")
//	otaLog := logging.WithComponent(logger, "ota")
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SetupLogger creates the process logger writing to stdout and sets it as
// the slog default. level accepts "debug", "info", "warn", "error"
// (case-insensitive, default "info"); format is "json" or "text".
func SetupLogger(level, format string) *slog.Logger {
	logger := NewLogger(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a logger writing to w.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		AddSource:   true,
		ReplaceAttr: shortenSource,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// shortenSource trims source paths to internal/... or the file base name.
func shortenSource(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	source, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	if idx := strings.Index(source.File, "internal/"); idx != -1 {
		source.File = source.File[idx:]
	} else {
		source.File = filepath.Base(source.File)
	}
	if idx := strings.Index(source.Function, "internal/"); idx != -1 {
		source.Function = source.Function[idx:]
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// WithComponent returns a logger with a pre-set component attribute.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
