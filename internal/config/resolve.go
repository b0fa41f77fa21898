package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/policy"
)

// ErrNoConfig means no source could be found or parsed. Callers treat it as
// fatal for the invocation.
var ErrNoConfig = errors.New("no hooks config found")

// CandidatePaths are tried in order, relative to the base directory, when no
// source is given explicitly or through HOOKROUTER_CONFIG.
var CandidatePaths = []string{
	"hooks.yml",
	"hooks.yaml",
	filepath.Join("config", "hooks.yml"),
	filepath.Join("config", "hooks.yaml"),
	filepath.Join(".claude", "hooks", "config", "hooks.yml"),
	"hooks.json",
}

// Resolver loads and merges layered hook configuration.
type Resolver struct {
	baseDir string
	logger  *slog.Logger
}

// NewResolver returns a resolver rooted at baseDir; an empty baseDir uses the
// process working directory.
func NewResolver(baseDir string, logger *slog.Logger) *Resolver {
	if baseDir == "" {
		if wd, err := os.Getwd(); err == nil {
			baseDir = wd
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{baseDir: baseDir, logger: logger}
}

// Load resolves sources (file paths or preset:<name>) into one Config. With
// no sources it consults HOOKROUTER_CONFIG, then CandidatePaths. A Cache
// carried on ctx short-circuits repeated loads of the same source set.
func (r *Resolver) Load(ctx context.Context, sources ...string) (*Config, error) {
	srcs := r.Sources(sources...)
	if len(srcs) == 0 {
		return nil, fmt.Errorf("%w: add hooks.yml to the project or pass -config", ErrNoConfig)
	}
	cache := CacheFrom(ctx)
	key := cacheKey(srcs)
	if cache != nil {
		if cfg, ok := cache.get(key); ok {
			return cfg, nil
		}
	}
	cfg, err := r.load(srcs)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.put(key, cfg)
	}
	return cfg, nil
}

// Sources expands explicit sources (comma lists allowed) or discovers them.
// File paths are made absolute against the base directory.
func (r *Resolver) Sources(explicit ...string) []string {
	var parts []string
	for _, s := range explicit {
		parts = append(parts, splitList(s)...)
	}
	if len(parts) == 0 {
		parts = splitList(os.Getenv("HOOKROUTER_CONFIG"))
	}
	if len(parts) > 0 {
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if name, ok := PresetName(p); ok {
				out = append(out, presetPrefix+name)
				continue
			}
			out = append(out, r.absPath(p, r.baseDir))
		}
		return out
	}
	for _, candidate := range CandidatePaths {
		p := filepath.Join(r.baseDir, candidate)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return []string{p}
		}
	}
	return nil
}

func (r *Resolver) load(srcs []string) (*Config, error) {
	seen := make(map[string]struct{}, len(srcs))
	for _, src := range srcs {
		seen[r.sourceKey(src, r.baseDir)] = struct{}{}
	}

	var (
		merged   = map[string]any{}
		resolved []string
		errs     []error
		loaded   int
	)
	for _, src := range srcs {
		doc, origin, err := r.loadOne(src, r.baseDir)
		if err != nil {
			r.logger.Warn("config source skipped", "source", src, "error", err)
			errs = append(errs, err)
			continue
		}
		loaded++
		if origin != "" {
			resolved = append(resolved, origin)
		}
		doc = r.resolveExtends(doc, origin, seen, &resolved)
		merged = mergeDocuments(merged, doc)
	}
	if loaded == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoConfig, errors.Join(errs...))
	}

	cfg, err := decodeConfig(merged)
	if err != nil {
		return nil, err
	}
	cfg.Resolved = resolved
	return cfg, nil
}

// resolveExtends merges doc's parents left to right, then doc itself on top.
// seen prevents cycles and repeated ancestors.
func (r *Resolver) resolveExtends(doc map[string]any, origin string, seen map[string]struct{}, resolved *[]string) map[string]any {
	parents := extendsList(doc["extends"])
	cur := make(map[string]any, len(doc))
	for k, v := range doc {
		if k != "extends" {
			cur[k] = v
		}
	}
	if len(parents) == 0 {
		return cur
	}

	baseDir := r.baseDir
	if origin != "" {
		baseDir = filepath.Dir(origin)
	}
	merged := map[string]any{}
	for _, parent := range parents {
		key := r.sourceKey(parent, baseDir)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		child, childOrigin, err := r.loadOne(parent, baseDir)
		if err != nil {
			r.logger.Warn("config parent skipped", "parent", parent, "from", origin, "error", err)
			continue
		}
		if childOrigin != "" {
			*resolved = append(*resolved, childOrigin)
		}
		child = r.resolveExtends(child, childOrigin, seen, resolved)
		merged = mergeDocuments(merged, child)
	}
	return mergeDocuments(merged, cur)
}

// loadOne reads a preset or file. origin is the absolute file path, or "" for
// presets.
func (r *Resolver) loadOne(source, baseDir string) (map[string]any, string, error) {
	if name, ok := PresetName(source); ok {
		data, err := readPreset(name)
		if err != nil {
			return nil, "", err
		}
		doc, err := parseDocument(name+".yml", data)
		if err != nil {
			return nil, "", fmt.Errorf("preset %s: %w", name, err)
		}
		return doc, "", nil
	}
	p := r.absPath(source, baseDir)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, p, fmt.Errorf("read %s: %w", p, err)
	}
	doc, err := parseDocument(p, data)
	if err != nil {
		return nil, p, fmt.Errorf("parse %s: %w", p, err)
	}
	return doc, p, nil
}

func (r *Resolver) absPath(p, baseDir string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	return filepath.Clean(p)
}

// sourceKey is the cycle-detection identity of a source.
func (r *Resolver) sourceKey(source, baseDir string) string {
	if name, ok := PresetName(source); ok {
		return presetPrefix + name
	}
	p := r.absPath(source, baseDir)
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}
	return p
}

// parseDocument infers the format from the extension, sniffing content for
// anything that is not .yml/.yaml/.json.
func parseDocument(name string, data []byte) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yml", ".yaml":
		return parseYAML(data)
	case ".json":
		return parseJSON(data)
	}
	first, second := parseYAML, parseJSON
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		first, second = parseJSON, parseYAML
	}
	doc, err := first(data)
	if err == nil {
		return doc, nil
	}
	if doc, err2 := second(data); err2 == nil {
		return doc, nil
	}
	return nil, err
}

var errNotMapping = errors.New("document is not a mapping")

func parseYAML(data []byte) (map[string]any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errNotMapping
	}
	return m, nil
}

func parseJSON(data []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errNotMapping
	}
	return m, nil
}

// decodeConfig types the merged document over the defaults.
func decodeConfig(merged map[string]any) (*Config, error) {
	cfg := defaultConfig()
	settings := make(map[string]any, len(merged))
	for k, v := range merged {
		if !hook.IsKnownEvent(k) {
			settings[k] = v
		}
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}

	cfg.Sections = make(map[hook.Event][]TaskRef, len(hook.Events))
	for _, ev := range hook.Events {
		section, ok := merged[string(ev)]
		if !ok {
			continue
		}
		_, entries := splitSection(section)
		refs, err := decodeTaskRefs(entries)
		if err != nil {
			return nil, fmt.Errorf("decode %s tasks: %w", ev, err)
		}
		cfg.Sections[ev] = refs
	}
	cfg.Raw = merged

	applyEnvOverrides(&cfg)
	// A standalone policy document replaces the inline policy section.
	if cfg.PolicyFile != "" {
		pol, err := policy.Load(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("policy_file %s: %w", cfg.PolicyFile, err)
		}
		cfg.Policy = pol
	}
	normalize(&cfg)
	return &cfg, nil
}

func decodeTaskRefs(entries []any) ([]TaskRef, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return nil, err
	}
	var refs []TaskRef
	if err := yaml.Unmarshal(data, &refs); err != nil {
		return nil, err
	}
	out := refs[:0]
	for _, ref := range refs {
		if ref.Key() == "" || ref.Disabled {
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

func extendsList(v any) []string {
	switch e := v.(type) {
	case string:
		return splitList(e)
	case []any:
		var out []string
		for _, item := range e {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsNotExist reports whether err came from a missing source file or preset.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
