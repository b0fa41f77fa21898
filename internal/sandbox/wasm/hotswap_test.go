package wasm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/hookrouter/internal/sandbox/wasm"
)

func TestWatcher_RecompilesChangedPlugin(t *testing.T) {
	dir := t.TempDir()
	h := newHost(t, dir, nil)
	w := wasm.NewWatcher(h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	path := filepath.Join(dir, "lint.wasm")
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	_ = os.WriteFile(path, echoModule(`{"reason":"v1"}`), 0o644)

	for {
		select {
		case n := <-w.Notifications():
			if n.Plugin == "lint" && n.Level == "info" {
				return
			}
		case <-tick.C:
			_ = os.WriteFile(path, echoModule(`{"reason":"v1"}`), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for plugin compile notification")
		}
	}
}

func TestWatcher_BrokenPluginEmitsError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.wasm"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	h := newHost(t, dir, nil)
	w := wasm.NewWatcher(h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	select {
	case n := <-w.Notifications():
		if n.Level != "error" || n.Plugin != "bad" {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error notification")
	}
}

func TestWatcher_RequiresDirectory(t *testing.T) {
	h := newHost(t, "", nil)
	if err := wasm.NewWatcher(h, nil).Start(context.Background()); err == nil {
		t.Fatal("expected error without plugin directory")
	}
}
