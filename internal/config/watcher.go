package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to a fixed set of config files. Parent
// directories are watched so editors that replace files are still seen.
type Watcher struct {
	files  map[string]struct{}
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(files []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			set[abs] = struct{}{}
		}
	}
	return &Watcher{
		files:  set,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := make(map[string]struct{})
	for file := range w.files {
		dirs[filepath.Dir(file)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher: cannot watch directory", "dir", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				name, err := filepath.Abs(ev.Name)
				if err != nil {
					continue
				}
				if _, watched := w.files[name]; !watched {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
