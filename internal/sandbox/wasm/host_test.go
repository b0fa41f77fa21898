package wasm_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/sandbox/wasm"
	"github.com/basket/hookrouter/internal/tasks"
)

func newHost(t *testing.T, dir string, entries map[string]string) *wasm.Host {
	t.Helper()
	h, err := wasm.NewHost(context.Background(), wasm.Config{Dir: dir, Entries: entries})
	if err != nil {
		t.Fatalf("new wasm host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func writePlugin(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name+".wasm")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	return p
}

func TestHost_ResolvePluginRunsWASICommand(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "lint", echoModule(`{"add_context":"wasm says hi","severity":"info","category":"lint"}`))
	h := newHost(t, dir, nil)

	fn, err := h.ResolvePlugin(context.Background(), "lint")
	if err != nil {
		t.Fatalf("resolve plugin: %v", err)
	}
	outs, err := fn(context.Background(), tasks.Payload{Task: tasks.Info{ID: "plugin:lint"}})
	if err != nil {
		t.Fatalf("invoke plugin: %v", err)
	}
	if len(outs) != 1 || outs[0].AddContext != "wasm says hi" || outs[0].Category != "lint" {
		t.Fatalf("unexpected outcomes: %+v", outs)
	}
}

func TestHost_EntriesOverrideDirectory(t *testing.T) {
	other := t.TempDir()
	p := writePlugin(t, other, "anything", echoModule(`[{"reason":"a"},{"reason":"b"}]`))
	h := newHost(t, "", map[string]string{"custom": p})

	stdout, _, err := h.Invoke(context.Background(), "custom", []byte("{}"))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	outs, err := wasm.DecodeOutcomes(stdout)
	if err != nil || len(outs) != 2 {
		t.Fatalf("decode: %v %+v", err, outs)
	}
}

func TestHost_MissingPluginIsNotFound(t *testing.T) {
	h := newHost(t, t.TempDir(), nil)
	_, err := h.ResolvePlugin(context.Background(), "absent")
	if !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var fault *wasm.PluginFault
	if !errors.As(err, &fault) || fault.Reason != wasm.FaultModuleNotFound {
		t.Fatalf("expected module-not-found fault, got %v", err)
	}

	if _, err := h.ResolvePlugin(context.Background(), "../escape"); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("path-like names must not resolve, got %v", err)
	}
}

func TestHost_InvalidModuleFaults(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "broken", []byte("not wasm"))
	h := newHost(t, dir, nil)

	_, err := h.ResolvePlugin(context.Background(), "broken")
	var fault *wasm.PluginFault
	if !errors.As(err, &fault) || fault.Reason != wasm.FaultCompile {
		t.Fatalf("expected compile fault, got %v", err)
	}
	if errors.Is(err, tasks.ErrNotFound) {
		t.Fatal("compile faults must not read as not-found")
	}
}

func TestHost_EmptyModuleYieldsNoOutcomes(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "empty", []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})
	h := newHost(t, dir, nil)

	fn, err := h.ResolvePlugin(context.Background(), "empty")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	outs, err := fn(context.Background(), tasks.Payload{})
	if err != nil || len(outs) != 0 {
		t.Fatalf("expected no outcomes, got %+v err=%v", outs, err)
	}
}

func TestHost_ContextDeadlineStopsPlugin(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "spin", spinModule())
	h := newHost(t, dir, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err := h.Invoke(ctx, "spin", nil)
	var fault *wasm.PluginFault
	if !errors.As(err, &fault) || fault.Reason != wasm.FaultTimeout {
		t.Fatalf("expected timeout fault, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("plugin was not stopped, elapsed %v", elapsed)
	}
}

func TestHost_BadOutputFaults(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "noisy", echoModule("definitely not json"))
	h := newHost(t, dir, nil)

	fn, err := h.ResolvePlugin(context.Background(), "noisy")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err = fn(context.Background(), tasks.Payload{})
	if err == nil || !strings.Contains(err.Error(), wasm.FaultBadOutput) {
		t.Fatalf("expected bad output fault, got %v", err)
	}
}

func TestRegistry_ResolvesThroughHost(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "fmtcheck", echoModule(`{"outcomes":[{"add_context":"formatted"}]}`))
	h := newHost(t, dir, nil)
	reg := tasks.NewRegistry()
	reg.AddPluginResolver(h)

	id, fn, err := reg.Resolve(context.Background(), "fmtcheck")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "plugin:fmtcheck" {
		t.Fatalf("id = %q", id)
	}
	outs, err := fn(context.Background(), tasks.Payload{Input: &hook.Input{Raw: map[string]any{"hook_event_name": "PostToolUse"}}})
	if err != nil || len(outs) != 1 || outs[0].AddContext != "formatted" {
		t.Fatalf("outcomes = %+v err=%v", outs, err)
	}
}
