package tasks_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/hookrouter/internal/config"
	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/tasks"
)

func noop(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) { return nil, nil }

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "hooks.yml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.NewResolver(dir, nil).Load(context.Background(), p)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func ids(ds []tasks.Descriptor) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

func newRegistry() *tasks.Registry {
	reg := tasks.NewRegistry()
	reg.Register("pkg.a:run", noop)
	reg.Register("pkg.b:check", noop)
	reg.Register("pkg.bash:run", noop)
	reg.Register("pkg.py:run", noop)
	return reg
}

func TestSelect_ToolsFilterCaseInsensitive(t *testing.T) {
	cfg := loadConfig(t, "PreToolUse:\n  - {ref: pkg.bash, tools: [Bash]}\n")
	reg := newRegistry()
	ctx := context.Background()

	if got := tasks.Select(ctx, hook.EventPreToolUse, cfg, "", nil, reg, nil); len(got) != 0 {
		t.Fatalf("empty tool name must exclude, got %v", ids(got))
	}
	if got := tasks.Select(ctx, hook.EventPreToolUse, cfg, "Edit", nil, reg, nil); len(got) != 0 {
		t.Fatalf("other tool must exclude, got %v", ids(got))
	}
	got := tasks.Select(ctx, hook.EventPreToolUse, cfg, "bash", nil, reg, nil)
	if len(got) != 1 || got[0].ID != "pkg.bash:run" {
		t.Fatalf("expected case-insensitive match, got %v", ids(got))
	}
}

func TestSelect_FileTypesFilter(t *testing.T) {
	cfg := loadConfig(t, "PostToolUse:\n  - {ref: pkg.py, file_types: [PY]}\n")
	reg := newRegistry()
	ctx := context.Background()

	if got := tasks.Select(ctx, hook.EventPostToolUse, cfg, "Edit", nil, reg, nil); len(got) != 0 {
		t.Fatalf("no files must exclude, got %v", ids(got))
	}
	if got := tasks.Select(ctx, hook.EventPostToolUse, cfg, "Edit", []string{"a.go", "README"}, reg, nil); len(got) != 0 {
		t.Fatalf("non-matching files must exclude, got %v", ids(got))
	}
	if got := tasks.Select(ctx, hook.EventPostToolUse, cfg, "Edit", []string{"a.go", "src/b.py"}, reg, nil); len(got) != 1 {
		t.Fatalf("expected match on b.py, got %v", ids(got))
	}
}

func TestSelect_ResolutionAndDedupe(t *testing.T) {
	cfg := loadConfig(t, `
timeouts:
  pkg.a:run: 4
PostToolUse:
  - pkg.a
  - pkg.a:run
  - {ref: pkg.b:check, id: friendly, timeout: 2, params: {level: 3}}
  - missing.mod
`)
	got := tasks.Select(context.Background(), hook.EventPostToolUse, cfg, "Edit", nil, newRegistry(), nil)
	want := []string{"pkg.a:run", "friendly", "missing.mod"}
	if strings.Join(ids(got), ",") != strings.Join(want, ",") {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
	if got[0].Timeout != 4*time.Second {
		t.Fatalf("timeouts map not applied: %v", got[0].Timeout)
	}
	if got[1].Timeout != 2*time.Second || got[1].Params["level"] != 3 {
		t.Fatalf("entry overrides lost: %+v", got[1])
	}

	outs, err := got[2].Func(context.Background(), tasks.Payload{})
	if err != nil {
		t.Fatalf("placeholder returned error: %v", err)
	}
	if len(outs) != 1 || outs[0].Block || !strings.HasPrefix(outs[0].Reason, "Task not available: missing.mod (") {
		t.Fatalf("unexpected placeholder outcome: %+v", outs)
	}
	if outs[0].Severity != "" || outs[0].TaskID != "" {
		t.Fatalf("placeholder must be unranked and leave TaskID to the runner: %+v", outs[0])
	}
}

type fakePlugins struct{ names map[string]bool }

func (f fakePlugins) ResolvePlugin(ctx context.Context, name string) (tasks.Func, error) {
	if f.names[name] {
		return noop, nil
	}
	return nil, tasks.ErrNotFound
}

func TestRegistry_PluginFallback(t *testing.T) {
	reg := newRegistry()
	reg.AddPluginResolver(fakePlugins{names: map[string]bool{"lint": true}})

	id, fn, err := reg.Resolve(context.Background(), "lint")
	if err != nil || fn == nil || id != "plugin:lint" {
		t.Fatalf("plugin resolve = %q, %v", id, err)
	}
	if _, _, err := reg.Resolve(context.Background(), "nothing"); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := reg.Resolve(context.Background(), "pkg.b"); err == nil {
		t.Fatal("bare module must not match a non-default attr")
	}
}

func TestPayload_WithTask(t *testing.T) {
	base := tasks.Payload{Files: []string{"a.py"}}
	p := base.WithTask("t1", map[string]any{"k": "v"})
	if p.Task.ID != "t1" || p.Param("k") != "v" {
		t.Fatalf("task info = %+v", p.Task)
	}
	if base.Task.ID != "" {
		t.Fatal("WithTask must not mutate the receiver")
	}
	if base.Param("k") != nil {
		t.Fatal("missing params should read as nil")
	}
}
