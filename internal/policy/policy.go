package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Blocker decides whether an advisory outcome is promoted to a hard block.
type Blocker interface {
	Blocks(severity, category string) bool
}

// Policy is the serializable `policy:` section of the hook config.
type Policy struct {
	// BlockOn holds rules of the form "severity", "category" or
	// "category:severity". Either side of a colon rule may be empty.
	BlockOn                  []string `yaml:"block_on" json:"block_on"`
	MissingToolIsWarning     bool     `yaml:"missing_tool_is_warning" json:"missing_tool_is_warning"`
	TreatStderrOnlyAsWarning bool     `yaml:"treat_stderr_only_as_warning" json:"treat_stderr_only_as_warning"`
}

func Default() Policy {
	return Policy{
		BlockOn:                  nil,
		MissingToolIsWarning:     true,
		TreatStderrOnlyAsWarning: true,
	}
}

var knownSeverities = map[string]struct{}{
	"info":  {},
	"warn":  {},
	"error": {},
}

// Rule is one parsed block_on entry. Empty fields match anything.
type Rule struct {
	Category string
	Severity string
}

// ParseRule parses a block_on entry. A bare token naming a severity is a
// severity rule; any other bare token is a category rule.
func ParseRule(raw string) (Rule, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Rule{}, false
	}
	if cat, sev, ok := strings.Cut(s, ":"); ok {
		return Rule{Category: strings.TrimSpace(cat), Severity: strings.TrimSpace(sev)}, true
	}
	if _, ok := knownSeverities[s]; ok {
		return Rule{Severity: s}, true
	}
	return Rule{Category: s}, true
}

func (r Rule) Matches(severity, category string) bool {
	severity = strings.ToLower(strings.TrimSpace(severity))
	category = strings.ToLower(strings.TrimSpace(category))
	if r.Category != "" && r.Category != category {
		return false
	}
	if r.Severity != "" && r.Severity != severity {
		return false
	}
	return true
}

func (r Rule) String() string {
	switch {
	case r.Category != "" && r.Severity != "":
		return r.Category + ":" + r.Severity
	case r.Severity != "":
		return r.Severity
	case r.Category != "":
		return r.Category
	default:
		return ":"
	}
}

// Rules returns the parsed block_on rules, skipping blank entries.
func (p Policy) Rules() []Rule {
	out := make([]Rule, 0, len(p.BlockOn))
	for _, raw := range p.BlockOn {
		if r, ok := ParseRule(raw); ok {
			out = append(out, r)
		}
	}
	return out
}

// Blocks reports whether any block_on rule matches the given severity and
// category.
func (p Policy) Blocks(severity, category string) bool {
	for _, r := range p.Rules() {
		if r.Matches(severity, category) {
			return true
		}
	}
	return false
}

// PolicyVersion is a stable fingerprint used in logs and doctor output.
func (p Policy) PolicyVersion() string {
	h := fnv.New64a()
	for _, r := range p.Rules() {
		_, _ = h.Write([]byte(r.String()))
		_, _ = h.Write([]byte{0})
	}
	fmt.Fprintf(h, "missing=%t|stderr=%t", p.MissingToolIsWarning, p.TreatStderrOnlyAsWarning)
	return fmt.Sprintf("policy-%x", h.Sum64())
}

func (p Policy) Validate() error {
	for i, raw := range p.BlockOn {
		r, ok := ParseRule(raw)
		if !ok {
			return fmt.Errorf("policy.block_on[%d]: empty rule", i)
		}
		if r.Severity != "" {
			if _, known := knownSeverities[r.Severity]; !known {
				return fmt.Errorf("policy.block_on[%d]: unknown severity %q", i, r.Severity)
			}
		}
	}
	return nil
}

// Load reads a standalone policy document. A missing file yields Default.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	p := Default()
	if len(data) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
