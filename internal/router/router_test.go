package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/hookrouter/internal/audit"
	"github.com/basket/hookrouter/internal/background"
	"github.com/basket/hookrouter/internal/config"
	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/router"
	"github.com/basket/hookrouter/internal/tasks"
	"github.com/basket/hookrouter/internal/telemetry"
)

type env struct {
	dir      string
	stateDir string
	config   string
}

func newEnv(t *testing.T, body string) env {
	t.Helper()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	body = fmt.Sprintf("state_dir: %q\n%s", stateDir, body)
	cfgPath := filepath.Join(dir, "hooks.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return env{dir: dir, stateDir: stateDir, config: cfgPath}
}

func (e env) router(taskFuncs map[string]tasks.Func) *router.Router {
	return router.New(router.Options{
		ConfigSources: []string{e.config},
		BaseDir:       e.dir,
		Tasks:         taskFuncs,
		Logger:        telemetry.Discard(),
	})
}

func handle(t *testing.T, r *router.Router, input string) map[string]any {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, r.Handle(context.Background(), strings.NewReader(input), &out))
	require.Equal(t, 1, strings.Count(strings.TrimSpace(out.String()), "\n")+1, "exactly one JSON line")
	var resp map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	return resp
}

func advise(text string) tasks.Func {
	return func(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
		return []hook.Outcome{{AddContext: text}}, nil
	}
}

const adviseConfig = `
PostToolUse:
  tasks:
    - id: advise
      ref: test.advise:run
`

func TestHandle_AdviceShownOncePerSession(t *testing.T) {
	e := newEnv(t, adviseConfig)
	r := e.router(map[string]tasks.Func{"test.advise:run": advise("warn x")})
	input := `{"hook_event_name":"PostToolUse","tool_name":"Edit","tool_input":{"file_path":"a.py"},"session_id":"s1"}`

	resp := handle(t, r, input)
	require.Equal(t, map[string]any{
		"continue": true,
		"hookSpecificOutput": map[string]any{
			"hookEventName":     "PostToolUse",
			"additionalContext": "warn x",
		},
	}, resp)

	resp = handle(t, r, input)
	require.Equal(t, map[string]any{"continue": true}, resp)

	// A different session has its own store.
	resp = handle(t, r, strings.Replace(input, `"s1"`, `"s2"`, 1))
	require.Contains(t, resp, "hookSpecificOutput")
}

func TestHandle_ChangedFilesReachTasks(t *testing.T) {
	e := newEnv(t, `
PostToolUse:
  tasks:
    - id: files
      ref: test.files:run
      file_types: [py]
`)
	var (
		got    []string
		taskID string
	)
	r := e.router(map[string]tasks.Func{"test.files:run": func(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
		got = append([]string(nil), p.Files...)
		taskID = p.Task.ID
		return nil, nil
	}})
	handle(t, r, `{"hook_event_name":"PostToolUse","tool_name":"MultiEdit","tool_input":{"file_path":"a.py","edits":[{"file_path":"b.py"},{"file_path":"a.py"}]}}`)
	require.Equal(t, []string{"a.py", "b.py"}, got)
	require.Equal(t, "files", taskID)

	got = nil
	handle(t, r, `{"hook_event_name":"PostToolUse","tool_name":"Edit","tool_input":{"file_path":"a.go"}}`)
	require.Nil(t, got)
}

func TestHandle_PolicyBlocksPostAction(t *testing.T) {
	e := newEnv(t, `
policy:
  block_on: ["security:error"]
PostToolUse:
  tasks:
    - id: scan
      ref: test.scan:run
`)
	r := e.router(map[string]tasks.Func{"test.scan:run": func(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
		return []hook.Outcome{{AddContext: "secret in a.py", Severity: hook.SeverityError, Category: "security"}}, nil
	}})
	resp := handle(t, r, `{"hook_event_name":"PostToolUse","tool_name":"Edit","tool_input":{"file_path":"a.py"}}`)
	require.Equal(t, "block", resp["decision"])
	require.Equal(t, "Issues found:\nsecret in a.py", resp["reason"])
	require.NotContains(t, resp, "continue")
}

func TestHandle_PreToolUseDeny(t *testing.T) {
	e := newEnv(t, `
PreToolUse:
  tasks:
    - id: guard
      ref: test.guard:run
      tools: [Bash]
`)
	r := e.router(map[string]tasks.Func{"test.guard:run": func(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
		return []hook.Outcome{{Block: true, Reason: "not allowed: " + p.Input.Command()}}, nil
	}})
	resp := handle(t, r, `{"hook_event_name":"PreToolUse","tool_name":"bash","tool_input":{"command":"rm -rf /"}}`)
	require.Equal(t, true, resp["continue"])
	hso := resp["hookSpecificOutput"].(map[string]any)
	require.Equal(t, "deny", hso["permissionDecision"])
	require.Equal(t, "not allowed: rm -rf /", hso["permissionDecisionReason"])

	resp = handle(t, r, `{"hook_event_name":"PreToolUse","tool_name":"Read","tool_input":{}}`)
	require.Equal(t, map[string]any{"continue": true}, resp)

	// Only the deny lands in the audit log.
	raw, err := os.ReadFile(filepath.Join(e.stateDir, "logs", audit.FileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)
	var entry audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "deny", entry.Decision)
	require.Equal(t, "PreToolUse", entry.Event)
	require.Equal(t, "bash", entry.ToolName)
	require.Equal(t, "not allowed: rm -rf /", entry.Reason)
	require.NotEmpty(t, entry.PolicyVersion)
}

func TestHandle_FailingTasksAreAdvisory(t *testing.T) {
	e := newEnv(t, `
default_timeout: 0.05
Stop:
  tasks:
    - id: boom
      ref: test.boom:run
    - id: slow
      ref: test.slow:run
    - id: ok
      ref: test.ok:run
    - id: missing
      ref: nowhere.to_be:found
`)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	r := e.router(map[string]tasks.Func{
		"test.boom:run": func(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) { panic("kaboom") },
		"test.slow:run": func(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
			<-release
			return nil, nil
		},
		"test.ok:run": advise("all good"),
	})

	start := time.Now()
	resp := handle(t, r, `{"hook_event_name":"Stop"}`)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, true, resp["continue"])
	require.NotContains(t, resp, "decision")
	hso := resp["hookSpecificOutput"].(map[string]any)
	require.Equal(t, "all good", hso["additionalContext"])
}

func TestHandle_TaskFailuresNeverMatchBlockRules(t *testing.T) {
	e := newEnv(t, `
default_timeout: 0.05
policy:
  block_on: ["warn", "error"]
PreToolUse:
  tasks:
    - id: boom
      ref: test.boom:run
    - id: slow
      ref: test.slow:run
    - id: denied
      ref: test.denied:run
    - id: friendly
      ref: no.such.module
PostToolUse:
  tasks:
    - id: denied
      ref: test.denied:run
    - no.such.module
`)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	r := e.router(map[string]tasks.Func{
		"test.boom:run": func(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) { panic("kaboom") },
		"test.slow:run": func(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
			<-release
			return nil, nil
		},
		"test.denied:run": func(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
			return nil, os.ErrPermission
		},
	})

	resp := handle(t, r, `{"hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"ls"}}`)
	require.Equal(t, map[string]any{"continue": true}, resp)

	resp = handle(t, r, `{"hook_event_name":"PostToolUse","tool_name":"Edit","tool_input":{"file_path":"a.py"}}`)
	require.Equal(t, map[string]any{"continue": true}, resp)

	_, err := os.Stat(filepath.Join(e.stateDir, "logs", audit.FileName))
	require.True(t, os.IsNotExist(err), "advisory failures must not be audited")
}

func TestHandle_ConfigFatal(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOOKROUTER_CONFIG", "")
	r := router.New(router.Options{BaseDir: dir, Logger: telemetry.Discard()})
	resp := handle(t, r, `{"hook_event_name":"SessionStart"}`)
	require.Equal(t, false, resp["continue"])
	reason, _ := resp["stopReason"].(string)
	require.True(t, strings.HasPrefix(reason, "hookrouter: "), reason)
	require.Equal(t, reason, resp["systemMessage"])
	hso := resp["hookSpecificOutput"].(map[string]any)
	require.Equal(t, "SessionStart", hso["hookEventName"])
	require.Equal(t, reason, hso["additionalContext"])
}

func TestHandle_RejectsBadInput(t *testing.T) {
	e := newEnv(t, adviseConfig)
	r := e.router(nil)
	for _, input := range []string{"", "   ", "[]", `{"tool_name":"Edit"}`, `{"hook_event_name":""}`, "{not json"} {
		var out bytes.Buffer
		err := r.Handle(context.Background(), strings.NewReader(input), &out)
		require.Error(t, err, "input %q", input)
		require.Zero(t, out.Len())
	}
}

func TestHandle_NoTasksStillContinues(t *testing.T) {
	e := newEnv(t, adviseConfig)
	resp := handle(t, e.router(nil), `{"hook_event_name":"Notification","message":"hi"}`)
	require.Equal(t, map[string]any{"continue": true}, resp)
}

func TestHandle_BackgroundDropInAndSessionEnd(t *testing.T) {
	e := newEnv(t, adviseConfig)
	r := e.router(nil)
	sessionDir := filepath.Join(e.stateDir, "sessions", "bg1")

	// A drop-in without a runnable command is imported, fails at spawn and
	// is harvested in the same invocation.
	_, err := background.WriteDropIn(sessionDir, background.Request{Command: []string{}, Source: "lint-bg"})
	require.NoError(t, err)

	resp := handle(t, r, `{"hook_event_name":"UserPromptSubmit","session_id":"bg1","prompt":"go"}`)
	require.Equal(t, true, resp["continue"])
	hso := resp["hookSpecificOutput"].(map[string]any)
	require.Equal(t, "Background task failed: No command specified", hso["additionalContext"])

	entries, err := os.ReadDir(background.IncomingDir(sessionDir))
	require.NoError(t, err)
	require.Empty(t, entries)

	resp = handle(t, r, `{"hook_event_name":"SessionEnd","session_id":"bg1"}`)
	require.Equal(t, map[string]any{"continue": true}, resp)
	_, err = os.Stat(sessionDir)
	require.True(t, os.IsNotExist(err), "session dir removed")
}

func TestHandle_SessionIDIsSanitized(t *testing.T) {
	e := newEnv(t, adviseConfig)
	r := e.router(map[string]tasks.Func{"test.advise:run": advise("warn x")})
	handle(t, r, `{"hook_event_name":"PostToolUse","tool_name":"Edit","session_id":"../../etc"}`)

	_, err := os.Stat(filepath.Join(e.stateDir, "sessions", config.SanitizeSessionID("../../etc"), "state.db"))
	require.NoError(t, err)

	// Ids that sanitize alike still keep separate dedup state.
	for _, id := range []string{"team/alpha", "team_alpha"} {
		resp := handle(t, r, `{"hook_event_name":"PostToolUse","tool_name":"Edit","tool_input":{"file_path":"a.py"},"session_id":"`+id+`"}`)
		hso, ok := resp["hookSpecificOutput"].(map[string]any)
		require.True(t, ok, "session %s should see the advice once", id)
		require.Equal(t, "warn x", hso["additionalContext"])
	}
}
