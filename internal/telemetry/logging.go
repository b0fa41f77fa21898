// Package telemetry builds the structured logger. Logs never go to stdout:
// stdout carries the hook response.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/hookrouter/internal/shared"
)

// LogFileName is the JSONL file created under the log directory.
const LogFileName = "hookrouter.jsonl"

type Options struct {
	LogDir string
	Level  string
	// Stderr mirrors records to stderr, for interactive subcommands.
	Stderr bool
	// TraceID tags every record; "-" when empty.
	TraceID string
}

// NewLogger opens <LogDir>/hookrouter.jsonl for append and returns a JSON
// logger over it. The closer closes the file.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(opts.LogDir, LogFileName)
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if opts.Stderr {
		w = io.MultiWriter(os.Stderr, file)
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = "-"
	}
	logger := slog.New(newHandler(w, opts.Level)).With("component", "hookrouter", "trace_id", traceID)
	return logger, file, nil
}

// Discard returns a logger that drops everything, used when the log file
// cannot be opened.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newHandler(w io.Writer, level string) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// redactStringValue scrubs values such as a Bash command line carrying
// credentials before they reach the log.
func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

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
