package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultAttr is the attribute assumed when a ref has no ":attr" part.
const DefaultAttr = "run"

var ErrNotFound = errors.New("task not registered")

// PluginResolver is the secondary lookup used when a ref is not a
// registered built-in. Implementations resolve named plugins.
type PluginResolver interface {
	ResolvePlugin(ctx context.Context, name string) (Func, error)
}

// Registry maps stable "module.path:attr" identifiers to task functions.
type Registry struct {
	mu      sync.RWMutex
	funcs   map[string]Func
	plugins []PluginResolver
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under ref. A ref without ":" is stored as-is and matches
// only the bare form.
func (r *Registry) Register(ref string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[strings.TrimSpace(ref)] = fn
}

func (r *Registry) AddPluginResolver(pr PluginResolver) {
	if pr == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, pr)
}

// Refs lists registered identifiers in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for ref := range r.funcs {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Resolve maps ref to a function and its canonical id. "mod:attr" must match
// exactly; bare "mod" tries "mod:run", then "mod" itself. Plugin resolvers
// are consulted last with the raw ref, and their ids are prefixed "plugin:".
func (r *Registry) Resolve(ctx context.Context, ref string) (string, Func, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil, fmt.Errorf("empty task reference")
	}
	r.mu.RLock()
	mod, _, hasAttr := strings.Cut(ref, ":")
	var (
		id string
		fn Func
	)
	if hasAttr {
		id, fn = ref, r.funcs[ref]
	} else if f, ok := r.funcs[mod+":"+DefaultAttr]; ok {
		id, fn = mod+":"+DefaultAttr, f
	} else {
		id, fn = mod, r.funcs[mod]
	}
	plugins := append([]PluginResolver(nil), r.plugins...)
	r.mu.RUnlock()

	if fn != nil {
		return id, fn, nil
	}
	lookupErr := fmt.Errorf("%w: %s", ErrNotFound, ref)
	for _, pr := range plugins {
		pf, err := pr.ResolvePlugin(ctx, ref)
		if err == nil && pf != nil {
			return "plugin:" + ref, pf, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			lookupErr = err
		}
	}
	return "", nil, lookupErr
}
