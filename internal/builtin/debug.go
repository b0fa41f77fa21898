package builtin

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/tasks"
)

type debugPattern struct {
	re   *regexp.Regexp
	desc string
	// logging marks print-style patterns that tolerate log-like lines.
	logging bool
}

func pat(expr, desc string, logging bool) debugPattern {
	return debugPattern{re: regexp.MustCompile(`(?i)` + expr), desc: desc, logging: logging}
}

var (
	pythonDebug = []debugPattern{
		pat(`\bprint\s*\(`, "print() statement", true),
		pat(`\bpdb\.set_trace\(\)`, "pdb.set_trace() debugger", false),
		pat(`\bbreakpoint\(\)`, "breakpoint() debugger", false),
		pat(`\bimport\s+pdb\b`, "pdb import for debugging", false),
		pat(`\bfrom\s+pdb\s+import`, "pdb import for debugging", false),
		pat(`#\s*TODO:\s*remove`, "TODO: remove comment", false),
		pat(`#\s*FIXME:`, "FIXME comment", false),
		pat(`#\s*DEBUG:`, "DEBUG comment", false),
	}
	scriptDebug = []debugPattern{
		pat(`\bconsole\.log\s*\(`, "console.log() statement", true),
		pat(`\bconsole\.debug\s*\(`, "console.debug() statement", false),
		pat(`\bconsole\.warn\s*\(`, "console.warn() statement", false),
		pat(`\bconsole\.error\s*\(`, "console.error() statement", false),
		pat(`\bdebugger\s*;`, "debugger statement", false),
		pat(`//\s*TODO:\s*remove`, "TODO: remove comment", false),
		pat(`//\s*FIXME:`, "FIXME comment", false),
		pat(`//\s*DEBUG:`, "DEBUG comment", false),
	}
	goDebug = []debugPattern{
		pat(`\bfmt\.Print(ln|f)?\s*\(`, "fmt.Print debug output", true),
		pat(`\bspew\.Dump\s*\(`, "spew.Dump() call", false),
		pat(`//\s*TODO:\s*remove`, "TODO: remove comment", false),
		pat(`//\s*DEBUG:`, "DEBUG comment", false),
	}
	styleDebug = []debugPattern{
		pat(`/\*\s*DEBUG:`, "DEBUG comment", false),
		pat(`/\*\s*FIXME:`, "FIXME comment", false),
	}
	genericDebug = []debugPattern{
		pat(`(//|#|\*)\s*TODO:\s*remove`, "TODO: remove comment", false),
		pat(`(//|#|\*)\s*FIXME:`, "FIXME comment", false),
		pat(`(//|#|\*)\s*DEBUG:`, "DEBUG comment", false),
	}
)

func debugPatternsFor(path string) []debugPattern {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return pythonDebug
	case ".js", ".mjs", ".cjs", ".jsx", ".ts", ".tsx", ".vue", ".svelte":
		return scriptDebug
	case ".go":
		return goDebug
	case ".css", ".scss", ".sass":
		return styleDebug
	default:
		return genericDebug
	}
}

var logIndicators = []string{
	"error", "warning", "info", "success", "failed", "starting", "finished",
	"processing", "loading", "saving", "connecting", "response", "request",
	"status", "result", "exception", "traceback",
}

func looksLikeLogging(line string) bool {
	s := strings.ToLower(strings.TrimSpace(line))
	if len(s) < 20 {
		return false
	}
	for _, tok := range logIndicators {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

// insideString reports whether idx falls inside an unterminated quote on
// the line.
func insideString(line string, idx int) bool {
	before := line[:idx]
	single := strings.Count(before, "'") - strings.Count(before, `\'`)
	double := strings.Count(before, `"`) - strings.Count(before, `\"`)
	return single%2 == 1 || double%2 == 1
}

func scanDebug(path string) []string {
	lines, err := readLines(path)
	if err != nil {
		return nil
	}
	patterns := debugPatternsFor(path)
	var issues []string
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, dp := range patterns {
			loc := dp.re.FindStringIndex(line)
			if loc == nil || insideString(line, loc[0]) {
				continue
			}
			if dp.logging && looksLikeLogging(line) {
				continue
			}
			issues = append(issues, fmt.Sprintf("Line %d: %s - %s", i+1, dp.desc, trimmed))
		}
	}
	return issues
}

// DebugStatements flags leftover debug output in changed files.
func DebugStatements(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
	var issues []string
	for _, path := range existingFiles(p) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, issue := range scanDebug(path) {
			issues = append(issues, filepath.Base(path)+": "+issue)
		}
	}
	if len(issues) == 0 {
		return nil, nil
	}
	return []hook.Outcome{{
		AddContext: formatIssues("Debug statements found:", issues, maxIssuesShown),
		Severity:   hook.SeverityError,
		Category:   "quality",
	}}, nil
}
