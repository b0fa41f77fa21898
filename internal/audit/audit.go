// Package audit appends enforcing hook decisions (deny, block, stop) to an
// append-only JSONL file under the log directory.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/shared"
)

const FileName = "audit.jsonl"

type Entry struct {
	Timestamp     string   `json:"timestamp"`
	TraceID       string   `json:"trace_id"`
	SessionID     string   `json:"session_id,omitempty"`
	Event         string   `json:"event"`
	ToolName      string   `json:"tool_name,omitempty"`
	Decision      string   `json:"decision"`
	Reason        string   `json:"reason"`
	PolicyVersion string   `json:"policy_version"`
	Tasks         []string `json:"tasks,omitempty"`
}

// Log is an open audit file.
type Log struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

func Open(logDir string) (*Log, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{file: f, now: time.Now}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Enforcing returns the decision label of a response that denies, blocks
// or stops, and false for anything advisory.
func Enforcing(resp hook.Response) (string, string, bool) {
	switch {
	case resp.Decision == "block":
		return "block", resp.Reason, true
	case resp.Continue != nil && !*resp.Continue:
		return "stop", resp.StopReason, true
	case resp.HookSpecificOutput != nil && resp.HookSpecificOutput.PermissionDecision == hook.PermissionDeny:
		return hook.PermissionDeny, resp.HookSpecificOutput.PermissionDecisionReason, true
	}
	return "", "", false
}

// Record appends e with secrets redacted. Timestamp is filled when empty.
func (l *Log) Record(e Entry) error {
	e.Reason = shared.Redact(e.Reason)
	if e.TraceID == "" {
		e.TraceID = "-"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = l.file.Write(append(b, '\n'))
	return err
}
