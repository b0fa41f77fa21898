package audit_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/hookrouter/internal/audit"
	"github.com/basket/hookrouter/internal/hook"
)

func readEntries(t *testing.T, dir string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, audit.FileName))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	dir := t.TempDir()
	log, err := audit.Open(dir)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	err = log.Record(audit.Entry{
		Event:         "PreToolUse",
		ToolName:      "Bash",
		Decision:      "deny",
		Reason:        "push blocked; token=sk-ant-REDACTED",
		PolicyVersion: "policy-abc",
		Tasks:         []string{"protect"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	entries := readEntries(t, dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	first := entries[0]
	if first["decision"] != "deny" || first["event"] != "PreToolUse" || first["trace_id"] != "-" {
		t.Fatalf("unexpected entry %#v", first)
	}
	if first["timestamp"] == "" || first["policy_version"] != "policy-abc" {
		t.Fatalf("expected timestamp and policy_version: %#v", first)
	}
	if strings.Contains(first["reason"].(string), "abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("secret not redacted: %q", first["reason"])
	}
}

func TestAuditAppendOnly(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		log, err := audit.Open(dir)
		if err != nil {
			t.Fatalf("open audit: %v", err)
		}
		if err := log.Record(audit.Entry{Event: "Stop", Decision: "block", Reason: "r"}); err != nil {
			t.Fatalf("record: %v", err)
		}
		if err := log.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	if n := len(readEntries(t, dir)); n != 2 {
		t.Fatalf("expected 2 entries across reopen, got %d", n)
	}
}

func TestRecordAfterClose(t *testing.T) {
	log, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_ = log.Close()
	if err := log.Record(audit.Entry{Decision: "stop"}); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestEnforcing(t *testing.T) {
	deny := hook.Continue()
	deny.HookSpecificOutput = &hook.HookSpecificOutput{HookEventName: "PreToolUse", PermissionDecision: hook.PermissionDeny, PermissionDecisionReason: "no"}
	allow := hook.Continue()
	allow.HookSpecificOutput = &hook.HookSpecificOutput{HookEventName: "PreToolUse", PermissionDecision: hook.PermissionAllow}

	cases := []struct {
		name     string
		resp     hook.Response
		decision string
		reason   string
		ok       bool
	}{
		{"block", hook.Block("bad"), "block", "bad", true},
		{"stop", hook.Stop("halt"), "stop", "halt", true},
		{"deny", deny, "deny", "no", true},
		{"allow", allow, "", "", false},
		{"continue", hook.Continue(), "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, r, ok := audit.Enforcing(tc.resp)
			if d != tc.decision || r != tc.reason || ok != tc.ok {
				t.Fatalf("got (%q, %q, %v)", d, r, ok)
			}
		})
	}
}
