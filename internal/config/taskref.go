package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TaskRef is one entry of an event section: either a bare reference string
// or a mapping with filters and overrides.
type TaskRef struct {
	Ref       string         `yaml:"ref,omitempty"`
	ID        string         `yaml:"id,omitempty"`
	Timeout   float64        `yaml:"timeout,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
	Tools     []string       `yaml:"tools,omitempty"`
	FileTypes []string       `yaml:"file_types,omitempty"`
	Disabled  bool           `yaml:"disabled,omitempty"`
}

// Key is the merge identity: id, else ref.
func (t TaskRef) Key() string {
	if id := strings.TrimSpace(t.ID); id != "" {
		return id
	}
	return strings.TrimSpace(t.Ref)
}

func (t *TaskRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*t = TaskRef{Ref: strings.TrimSpace(s)}
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: task entry must be a string or mapping", node.Line)
	}
	var raw struct {
		Ref       string         `yaml:"ref"`
		ID        string         `yaml:"id"`
		Timeout   any            `yaml:"timeout"`
		Params    map[string]any `yaml:"params"`
		Args      map[string]any `yaml:"args"`
		Config    map[string]any `yaml:"config"`
		Tools     []string       `yaml:"tools"`
		FileTypes []string       `yaml:"file_types"`
		Disabled  bool           `yaml:"disabled"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	params := raw.Params
	if len(params) == 0 {
		params = raw.Args
	}
	if len(params) == 0 {
		params = raw.Config
	}
	*t = TaskRef{
		Ref:       strings.TrimSpace(raw.Ref),
		ID:        strings.TrimSpace(raw.ID),
		Timeout:   positiveNumber(raw.Timeout),
		Params:    params,
		Tools:     raw.Tools,
		FileTypes: raw.FileTypes,
		Disabled:  raw.Disabled,
	}
	return nil
}

// positiveNumber accepts ints and floats; anything else (or <= 0) is unset.
func positiveNumber(v any) float64 {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0
	}
	if f <= 0 {
		return 0
	}
	return f
}

// entryKey computes the identity of an untyped section entry.
func entryKey(entry any) string {
	switch v := entry.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if id, ok := v["id"].(string); ok && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id)
		}
		if ref, ok := v["ref"].(string); ok && strings.TrimSpace(ref) != "" {
			return strings.TrimSpace(ref)
		}
	}
	return ""
}
