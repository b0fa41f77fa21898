package config

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed presets/*.yml
var presetFS embed.FS

const (
	presetPrefix      = "preset:"
	presetAliasPrefix = "example:"
)

// PresetName returns the preset name if source names one.
func PresetName(source string) (string, bool) {
	source = strings.TrimSpace(source)
	for _, prefix := range []string{presetPrefix, presetAliasPrefix} {
		if strings.HasPrefix(source, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(source, prefix)), true
		}
	}
	return "", false
}

// PresetNames lists the embedded presets.
func PresetNames() []string {
	entries, err := fs.ReadDir(presetFS, "presets")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}
	sort.Strings(names)
	return names
}

func readPreset(name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid preset name %q", name)
	}
	for _, ext := range []string{".yml", ".yaml"} {
		data, err := presetFS.ReadFile("presets/" + name + ext)
		if err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("preset %q: %w", name, fs.ErrNotExist)
}
