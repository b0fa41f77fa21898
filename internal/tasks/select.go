package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/basket/hookrouter/internal/config"
	"github.com/basket/hookrouter/internal/hook"
)

// Select resolves the event's task entries that pass the tools and
// file_types filters. Unresolvable refs become placeholders; results are
// de-duplicated by id, first occurrence wins.
func Select(ctx context.Context, event hook.Event, cfg *config.Config, toolName string, files []string, reg *Registry, logger *slog.Logger) []Descriptor {
	entries := cfg.Tasks(event)
	if len(entries) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[string]struct{}, len(entries))
	out := make([]Descriptor, 0, len(entries))
	for _, entry := range entries {
		if !matchesTool(entry.Tools, toolName) || !matchesFileTypes(entry.FileTypes, files) {
			continue
		}
		d, ok := resolveEntry(ctx, entry, cfg, reg, logger)
		if !ok {
			continue
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out
}

func resolveEntry(ctx context.Context, entry config.TaskRef, cfg *config.Config, reg *Registry, logger *slog.Logger) (Descriptor, bool) {
	ref := strings.TrimSpace(entry.Ref)
	if ref == "" {
		// A mapping with only an id has nothing to run.
		return Descriptor{}, false
	}
	var (
		id  string
		fn  Func
		err error
	)
	if reg != nil {
		id, fn, err = reg.Resolve(ctx, ref)
	} else {
		err = fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		logger.Warn("task resolution failed", "ref", ref, "error", err)
		id, fn = ref, Placeholder(ref, err)
	}
	if entry.ID != "" {
		id = entry.ID
	}

	timeout := seconds(entry.Timeout)
	if timeout <= 0 {
		timeout = cfg.TimeoutFor(id)
	}
	return Descriptor{ID: id, Func: fn, Timeout: timeout, Params: entry.Params}, true
}

// Placeholder returns a task that reports ref as unavailable. The outcome's
// TaskID is left for the runner to fill with the descriptor id.
func Placeholder(ref string, cause error) Func {
	msg := fmt.Sprintf("Task not available: %s (%v)", ref, cause)
	return func(ctx context.Context, p Payload) ([]hook.Outcome, error) {
		return []hook.Outcome{hook.Warning("", msg)}, nil
	}
}

func matchesTool(tools []string, toolName string) bool {
	if len(tools) == 0 {
		return true
	}
	if toolName == "" {
		return false
	}
	for _, t := range tools {
		if strings.EqualFold(strings.TrimSpace(t), toolName) {
			return true
		}
	}
	return false
}

func matchesFileTypes(types []string, files []string) bool {
	if len(types) == 0 {
		return true
	}
	if len(files) == 0 {
		return false
	}
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))] = struct{}{}
	}
	for _, f := range files {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f), "."))
		if _, ok := want[ext]; ok {
			return true
		}
	}
	return false
}
