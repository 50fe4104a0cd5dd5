// Package telemetry builds the structured logger. Every log line is JSON and
// passes through secret redaction before it reaches any writer.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/cmdcenter/internal/scrub"
)

// NewLogger creates a JSON slog logger writing to logs/system.jsonl under the
// server home, and to stdout unless quiet. The scrubber runs inside the
// handler so call sites cannot leak a secret by mistake.
func NewLogger(homeDir, level string, quiet bool, scrubber *scrub.Scrubber) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	if scrubber == nil {
		scrubber = scrub.New(0)
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if scrub.IsSecretKey(a.Key) {
				return slog.String(a.Key, scrub.Marker)
			}
			if a.Value.Kind() == slog.KindString {
				if redacted := scrubber.Scrub(a.Value.String()); redacted != a.Value.String() {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	logger := slog.New(handler).With("component", "cmdcenter")
	return logger, file, nil
}

// ParseLevel maps a config log level string to a slog level, defaulting to info.
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
