package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/hookrouter/internal/config"
)

func TestWatcher_DetectsConfigFileChange(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "hooks.yml")
	if err := os.WriteFile(cfgPath, []byte("concurrency: 2\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	otherPath := filepath.Join(dir, "notes.txt")

	w := config.NewWatcher([]string{cfgPath}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry writes until the watcher is ready; unrelated files must never
	// produce an event.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	_ = os.WriteFile(otherPath, []byte("ignored"), 0o644)
	if err := os.WriteFile(cfgPath, []byte("concurrency: 3\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "hooks.yml" {
				t.Fatalf("expected hooks.yml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(otherPath, []byte("ignored"), 0o644)
			_ = os.WriteFile(cfgPath, []byte("concurrency: 3\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for hooks.yml change event")
		}
	}
}
