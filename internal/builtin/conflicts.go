package builtin

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/tasks"
)

var conflictMarkers = []struct {
	marker string
	desc   string
	// label is true when the marker must be followed by text.
	label bool
}{
	{"<<<<<<<", "conflict start marker", true},
	{"=======", "conflict separator marker", false},
	{">>>>>>>", "conflict end marker", true},
	{"|||||||", "conflict base marker (diff3 style)", true},
}

func scanConflicts(path string) []string {
	lines, err := readLines(path)
	if err != nil {
		return nil
	}
	var issues []string
	for i, line := range lines {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		for _, m := range conflictMarkers {
			if !strings.HasPrefix(s, m.marker) {
				continue
			}
			rest := strings.TrimSpace(s[len(m.marker):])
			if (m.label && rest != "") || (!m.label && rest == "") {
				issues = append(issues, fmt.Sprintf("Line %d: %s - %s", i+1, m.desc, s))
				break
			}
		}
	}
	return issues
}

// MergeConflicts flags git conflict markers left in changed files.
func MergeConflicts(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
	var issues []string
	for _, path := range existingFiles(p) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, issue := range scanConflicts(path) {
			issues = append(issues, filepath.Base(path)+": "+issue)
		}
	}
	if len(issues) == 0 {
		return nil, nil
	}
	return []hook.Outcome{{
		AddContext: formatIssues("Merge conflict markers detected:", issues, maxIssuesShown),
		Severity:   hook.SeverityWarn,
		Category:   "vcs",
	}}, nil
}
