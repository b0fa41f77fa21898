package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

type Notification struct {
	Level   string
	Plugin  string
	Message string
}

// Watcher recompiles plugins in the host's directory when their .wasm file
// changes, so long-running callers (check-config -watch) always validate the
// current module.
type Watcher struct {
	host   *Host
	logger *slog.Logger
	notify chan Notification
}

func NewWatcher(host *Host, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		host:   host,
		logger: logger,
		notify: make(chan Notification, 32),
	}
}

func (w *Watcher) Notifications() <-chan Notification {
	return w.notify
}

func (w *Watcher) Start(ctx context.Context) error {
	if w.host.dir == "" {
		return fmt.Errorf("plugin watcher: no plugin directory configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.host.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch plugin dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		matches, _ := filepath.Glob(filepath.Join(w.host.dir, "*.wasm"))
		for _, path := range matches {
			w.recompile(ctx, path)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".wasm" {
					continue
				}
				switch {
				case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					name := pluginName(ev.Name)
					w.host.Forget(ctx, name)
					w.push("warn", name, "plugin removed")
				case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
					w.recompile(ctx, ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("plugin watcher error", "error", err)
				w.push("error", "", err.Error())
			}
		}
	}()
	return nil
}

func (w *Watcher) recompile(ctx context.Context, path string) {
	name := pluginName(path)
	if err := w.host.Compile(ctx, name); err != nil {
		w.logger.Error("plugin compile failed", "plugin", name, "error", err)
		w.push("error", name, err.Error())
		return
	}
	w.logger.Info("plugin reloaded", "plugin", name, "path", path)
	w.push("info", name, "plugin compiled")
}

func (w *Watcher) push(level, plugin, msg string) {
	select {
	case w.notify <- Notification{Level: level, Plugin: plugin, Message: msg}:
	default:
	}
}

func pluginName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
