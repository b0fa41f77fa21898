package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, dir string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, closer, err := NewLogger(Options{LogDir: dir, Level: "debug", TraceID: "trace-1"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("tasks selected", "event", "PostToolUse", "task_id", "config.syntax:run")

	entries := readEntries(t, dir)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "hookrouter" {
		t.Fatalf("expected component=hookrouter, got %#v", entry["component"])
	}
	if entry["trace_id"] != "trace-1" {
		t.Fatalf("expected trace_id propagation, got %#v", entry["trace_id"])
	}
	if entry["task_id"] != "config.syntax:run" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_DefaultTraceAndLevel(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(Options{LogDir: dir, Level: "warn"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept")

	entries := readEntries(t, dir)
	if len(entries) != 1 || entries[0]["msg"] != "kept" {
		t.Fatalf("level filter not applied: %#v", entries)
	}
	if entries[0]["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entries[0]["trace_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(Options{LogDir: dir, Level: "info"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"command", "curl -H 'Authorization: Bearer super-secret-token' https://example.com",
	)

	entries := readEntries(t, dir)
	last := entries[len(entries)-1]
	if last["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", last["api_key"])
	}
	if last["command"] != "[REDACTED]" {
		t.Fatalf("expected command redaction, got %#v", last["command"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing happens")
}
