// Package builtin holds the analyzer tasks shipped with hookrouter.
package builtin

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/hookrouter/internal/tasks"
)

const (
	RefDebugStatements = "quality.debug_statements:run"
	RefMergeConflicts  = "vcs.merge_conflicts:run"
	RefProtectBranch   = "vcs.protect_branch:run"
	RefConfigSyntax    = "config.syntax:run"
)

// maxIssuesShown bounds per-task advisory output.
const maxIssuesShown = 5

// Register adds every built-in task to reg.
func Register(reg *tasks.Registry) {
	reg.Register(RefDebugStatements, DebugStatements)
	reg.Register(RefMergeConflicts, MergeConflicts)
	reg.Register(RefProtectBranch, ProtectBranch)
	reg.Register(RefConfigSyntax, ConfigSyntax)
}

// resolvePath makes a changed-file path absolute against the host cwd.
func resolvePath(p tasks.Payload, file string) string {
	if filepath.IsAbs(file) || p.Input == nil || p.Input.Cwd == "" {
		return file
	}
	return filepath.Join(p.Input.Cwd, file)
}

// existingFiles returns the payload files that exist as regular files.
func existingFiles(p tasks.Payload) []string {
	var out []string
	for _, f := range p.Files {
		path := resolvePath(p, f)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			out = append(out, path)
		}
	}
	return out
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// formatIssues renders a header plus at most limit bullet lines.
func formatIssues(header string, issues []string, limit int) string {
	var b strings.Builder
	b.WriteString(header)
	for i, issue := range issues {
		if i == limit {
			fmt.Fprintf(&b, "\n  ... and %d more", len(issues)-limit)
			break
		}
		b.WriteString("\n  - ")
		b.WriteString(issue)
	}
	return b.String()
}

func stringParams(p tasks.Payload, keys ...string) []string {
	for _, key := range keys {
		items, ok := p.Param(key).([]any)
		if !ok {
			continue
		}
		var out []string
		for _, item := range items {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
