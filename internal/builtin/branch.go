package builtin

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/tasks"
)

const branchGuidance = "Use a feature branch workflow:\n" +
	"  1. git checkout -b feature/your-feature\n" +
	"  2. Make changes and commit\n" +
	"  3. git push origin feature/your-feature\n" +
	"  4. Open a pull request for review"

// protectedBranches reads params branches/protected_branches, then
// PROTECTED_BRANCHES or GIT_DEFAULT_BRANCH, then defaults to main/master.
func protectedBranches(p tasks.Payload) []string {
	if branches := stringParams(p, "branches", "protected_branches"); len(branches) > 0 {
		return branches
	}
	env := os.Getenv("PROTECTED_BRANCHES")
	if env == "" {
		env = os.Getenv("GIT_DEFAULT_BRANCH")
	}
	var out []string
	for _, s := range strings.Split(env, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		return out
	}
	return []string{"main", "master"}
}

type branchRule struct {
	re  *regexp.Regexp
	msg string
}

func pushRules(branches []string) []branchRule {
	quoted := make([]string, len(branches))
	for i, b := range branches {
		quoted[i] = regexp.QuoteMeta(b)
	}
	br := strings.Join(quoted, "|")
	return []branchRule{
		{regexp.MustCompile(`(?i)\bgit\s+push\s+(?:origin\s+)?(?:` + br + `)\b`), "Direct push to a protected branch is not allowed"},
		{regexp.MustCompile(`(?i)\bgit\s+push\s+(?:-f|--force)\s+(?:origin\s+)?(?:` + br + `)\b`), "Force push to a protected branch is not allowed"},
		{regexp.MustCompile(`(?i)\bgit\s+push\s+(?:origin\s+)?[^:\s]*:(?:` + br + `)\b`), "Pushing to a protected branch is not allowed"},
		{regexp.MustCompile(`(?i)\bgit\s+checkout\s+(?:` + br + `)\s*&&.*(?:merge|push)`), "Switching to a protected branch and immediately merging/pushing is not allowed"},
	}
}

var (
	commitRe   = regexp.MustCompile(`(?i)\bgit\s+commit\b`)
	barePushRe = regexp.MustCompile(`(?i)\bgit\s+push(?:\s+-{1,2}[\w-]+)*(?:\s+origin)?\s*(?:$|[;&|])`)
)

// currentBranch returns the branch HEAD points at, unborn branches included.
func currentBranch(dir string) (string, bool) {
	if dir == "" {
		return "", false
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", false
	}
	head, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", false
	}
	if head.Type() == plumbing.SymbolicReference && head.Target().IsBranch() {
		return head.Target().Short(), true
	}
	return "", false
}

func blockOutcome(msg, command string) hook.Outcome {
	return hook.Outcome{
		Block:    true,
		Reason:   fmt.Sprintf("%s\n\nCommand: %s\n\n%s", msg, command, branchGuidance),
		Severity: hook.SeverityError,
		Category: "vcs",
	}
}

// ProtectBranch blocks shell commands that would push or commit directly to
// a protected branch.
func ProtectBranch(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
	if p.Input == nil || p.Input.ToolName != "Bash" {
		return nil, nil
	}
	command := strings.TrimSpace(p.Input.Command())
	if command == "" {
		return nil, nil
	}
	branches := protectedBranches(p)
	for _, rule := range pushRules(branches) {
		if rule.re.MatchString(command) {
			return []hook.Outcome{blockOutcome(rule.msg, command)}, nil
		}
	}

	if allow, _ := p.Param("allow_commits").(bool); allow {
		return nil, nil
	}
	if !commitRe.MatchString(command) && !barePushRe.MatchString(command) {
		return nil, nil
	}
	branch, ok := currentBranch(p.Input.Cwd)
	if !ok {
		return nil, nil
	}
	for _, b := range branches {
		if strings.EqualFold(b, branch) {
			msg := fmt.Sprintf("The current branch %q is protected; commit and push from a feature branch", branch)
			return []hook.Outcome{blockOutcome(msg, command)}, nil
		}
	}
	return nil, nil
}
