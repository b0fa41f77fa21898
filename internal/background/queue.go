// Package background is the per-session queue of long-running external
// commands. Work is started detached and tracked only through the store and
// OS process probes, so any later invocation can pick it up.
package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	hotel "github.com/basket/hookrouter/internal/otel"
	"github.com/basket/hookrouter/internal/persistence"
	"github.com/basket/hookrouter/internal/policy"
	"github.com/basket/hookrouter/internal/shared"
)

const (
	DefaultTimeout       = 120
	DefaultMaxConcurrent = 2
	DefaultHarvestLimit  = 10
	DefaultSource        = "external-json"
	DefaultDropInType    = "external"
	TypeCommand          = "command"

	// summaryLimit bounds raw output quoted in a feedback summary.
	summaryLimit = 500
)

// Deterministic reason codes for failed rows.
const (
	ReasonNoCommand   = "NO_COMMAND"
	ReasonSpawnFailed = "SPAWN_FAILED"
	ReasonMissingTool = "MISSING_TOOL"
	ReasonTimeout     = "TIMEOUT"
	ReasonStderr      = "STDERR_OUTPUT"
	ReasonExitCode    = "EXIT_CODE"
)

const dropInSchema = `{
	"type": "object",
	"required": ["command"],
	"properties": {
		"command": {"type": "array", "items": {"type": "string"}},
		"source": {"type": "string"},
		"task_type": {"type": "string"},
		"timeout": {"type": "number", "exclusiveMinimum": 0},
		"metadata": {"type": "object"}
	}
}`

var dropInValidator = shared.MustCompileSchema("dropin.json", dropInSchema)

// Request describes a task to enqueue.
type Request struct {
	Command  []string       `json:"command"`
	Source   string         `json:"source,omitempty"`
	Type     string         `json:"task_type,omitempty"`
	Timeout  float64        `json:"timeout,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Feedback is one harvested message, shaped like a task outcome.
type Feedback struct {
	Content  string `json:"content"`
	Severity string `json:"severity"`
	Category string `json:"category"`
	TaskID   string `json:"task_id"`
}

type Options struct {
	Logger  *slog.Logger
	Metrics *hotel.Metrics
	// DefaultTimeout in seconds applies to requests without one; 0 uses
	// DefaultTimeout.
	DefaultTimeout int
	// Policy ranks failure feedback: a missing executable or a stderr-only
	// failure is reported as warn when the matching flag is set, else error.
	// Nil uses policy.Default.
	Policy *policy.Policy
}

// child is a process started by this Queue; done closes once it is reaped.
type child struct {
	done chan struct{}
	code int
}

// Queue operates on one session's rows and files.
type Queue struct {
	store     *persistence.Store
	sessionID string
	dir       string
	logger    *slog.Logger
	metrics   *hotel.Metrics
	timeout   int
	policy    policy.Policy

	// beforeMark runs between starting a process and claiming its row.
	beforeMark func(taskID string)

	mu       sync.Mutex
	children map[string]*child
}

// New returns a queue over store rooted at sessionDir.
func New(store *persistence.Store, sessionDir, sessionID string, opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = hotel.NoopMetrics()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	pol := policy.Default()
	if opts.Policy != nil {
		pol = *opts.Policy
	}
	return &Queue{
		policy:    pol,
		store:     store,
		sessionID: sessionID,
		dir:       sessionDir,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		timeout:   opts.DefaultTimeout,
		children:  map[string]*child{},
	}
}

// IncomingDir is where external producers drop task descriptors.
func (q *Queue) IncomingDir() string { return IncomingDir(q.dir) }

func (q *Queue) OutputDir() string { return filepath.Join(q.dir, "output") }

func IncomingDir(sessionDir string) string { return filepath.Join(sessionDir, "incoming") }

// Enqueue stores a pending task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	id := ulid.Make().String()
	taskType := req.Type
	if taskType == "" {
		taskType = TypeCommand
	}
	source := req.Source
	if source == "" {
		source = "unknown"
	}
	err := q.store.InsertBackgroundTask(ctx, persistence.BackgroundTask{
		TaskID:    id,
		TaskType:  taskType,
		Command:   req.Command,
		Metadata:  req.Metadata,
		Source:    source,
		SessionID: q.sessionID,
		Timeout:   timeoutSeconds(req.Timeout, q.timeout),
	})
	if err != nil {
		return "", err
	}
	q.logger.Info("background task queued", "bg_task_id", id, "source", source)
	return id, nil
}

func timeoutSeconds(v float64, def int) int {
	if v <= 0 {
		return def
	}
	return int(math.Ceil(v))
}

// ImportExternal consumes incoming/*.json. Files that do not validate are
// deleted without enqueueing; imported files are deleted after insert.
func (q *Queue) ImportExternal(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(q.IncomingDir(), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list drop-ins: %w", err)
	}
	var ids []string
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			q.logger.Warn("drop-in unreadable", "path", path, "error", err)
			continue
		}
		if err := shared.ValidateJSON(dropInValidator, raw); err != nil {
			q.logger.Warn("drop-in rejected", "path", path, "error", err)
			_ = os.Remove(path)
			continue
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = os.Remove(path)
			continue
		}
		if req.Source == "" {
			req.Source = DefaultSource
		}
		if req.Type == "" {
			req.Type = DefaultDropInType
		}
		id, err := q.Enqueue(ctx, req)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		if err := os.Remove(path); err != nil {
			q.logger.Warn("drop-in not removed", "path", path, "error", err)
		}
	}
	return ids, nil
}

// WriteDropIn writes req as a drop-in file for sessionDir, for producers
// outside the hook process.
func WriteDropIn(sessionDir string, req Request) (string, error) {
	dir := IncomingDir(sessionDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create incoming dir: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode drop-in: %w", err)
	}
	path := filepath.Join(dir, ulid.Make().String()+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write drop-in: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish drop-in: %w", err)
	}
	return path, nil
}

// Spawn starts the oldest pending tasks while fewer than maxConcurrent are
// running. A task without a command fails immediately.
func (q *Queue) Spawn(ctx context.Context, maxConcurrent int, cwd string) ([]string, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	running, err := q.store.CountBackgroundTasks(ctx, q.sessionID, persistence.BackgroundRunning)
	if err != nil {
		return nil, err
	}
	slots := maxConcurrent - running
	if slots <= 0 {
		return nil, nil
	}
	pending, err := q.store.ListBackgroundTasks(ctx, q.sessionID, slots, persistence.BackgroundPending)
	if err != nil {
		return nil, err
	}

	var spawned []string
	for _, t := range pending {
		if len(t.Command) == 0 {
			q.fail(ctx, t.TaskID, "No command specified", ReasonNoCommand, "", "")
			continue
		}
		meta, err := q.start(t, cwd)
		if err != nil {
			reason := ReasonSpawnFailed
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
				reason = ReasonMissingTool
			}
			q.fail(ctx, t.TaskID, err.Error(), reason, "", "")
			continue
		}
		if q.beforeMark != nil {
			q.beforeMark(t.TaskID)
		}
		ok, err := q.store.MarkBackgroundRunning(ctx, t.TaskID, meta)
		if err != nil {
			return spawned, err
		}
		if !ok {
			// Another invocation claimed or finished the row first; the process
			// runs on but this queue does not track it.
			q.logger.Warn("background row no longer pending after spawn", "bg_task_id", t.TaskID, "pid", meta["pid"])
			q.mu.Lock()
			delete(q.children, t.TaskID)
			q.mu.Unlock()
			continue
		}
		q.metrics.BackgroundSpawned.Add(ctx, 1, metric.WithAttributes(attribute.String("source", t.Source)))
		q.logger.Info("background task spawned", "bg_task_id", t.TaskID, "pid", meta["pid"])
		spawned = append(spawned, t.TaskID)
	}
	return spawned, nil
}

// start launches the command detached with output redirected to files and
// reaps it from a goroutine so Poll can use the real exit code.
func (q *Queue) start(t persistence.BackgroundTask, cwd string) (map[string]any, error) {
	if cwd != "" {
		// Checked up front so a missing directory is not mistaken for a
		// missing executable.
		if _, err := os.Stat(cwd); err != nil {
			return nil, fmt.Errorf("working directory %s: %v", cwd, err)
		}
	}
	if err := os.MkdirAll(q.OutputDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	stdoutPath := filepath.Join(q.OutputDir(), t.TaskID+".stdout")
	stderrPath := filepath.Join(q.OutputDir(), t.TaskID+".stderr")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, err
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return nil, err
	}
	defer stderr.Close()

	cmd := exec.Command(t.Command[0], t.Command[1:]...)
	cmd.Dir = cwd
	// A nil Stdin reads from the null device.
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &child{done: make(chan struct{}), code: -1}
	q.mu.Lock()
	q.children[t.TaskID] = c
	q.mu.Unlock()
	go func() {
		_ = cmd.Wait()
		if cmd.ProcessState != nil {
			c.code = cmd.ProcessState.ExitCode()
		}
		close(c.done)
	}()

	return map[string]any{
		"pid":         cmd.Process.Pid,
		"stdout_file": stdoutPath,
		"stderr_file": stderrPath,
	}, nil
}

func (q *Queue) fail(ctx context.Context, id, msg, reason, stdout, stderr string) {
	if _, err := q.store.FinishBackgroundTask(ctx, id, persistence.BackgroundResult{
		Status:     persistence.BackgroundFailed,
		Stdout:     stdout,
		Stderr:     stderr,
		Error:      msg,
		ReasonCode: reason,
	}); err != nil {
		q.logger.Warn("background task not marked failed", "bg_task_id", id, "error", err)
	}
}

// Poll finishes running rows whose process has exited or whose timeout has
// passed, and returns their ids.
func (q *Queue) Poll(ctx context.Context) ([]string, error) {
	running, err := q.store.ListBackgroundTasks(ctx, q.sessionID, 0, persistence.BackgroundRunning)
	if err != nil {
		return nil, err
	}
	now := q.store.Now()
	var finished []string
	for _, t := range running {
		if t.StartedAt != nil && now.Sub(fromSeconds(*t.StartedAt)) > time.Duration(t.Timeout)*time.Second {
			stdout, stderr := readOutputs(t)
			q.fail(ctx, t.TaskID, fmt.Sprintf("Task timed out after %ds", t.Timeout), ReasonTimeout, stdout, stderr)
			q.logger.Warn("background task timed out", "bg_task_id", t.TaskID, "timeout_s", t.Timeout)
			finished = append(finished, t.TaskID)
			continue
		}

		q.mu.Lock()
		c, ours := q.children[t.TaskID]
		q.mu.Unlock()

		if ours {
			select {
			case <-c.done:
			default:
				continue
			}
		} else if processAlive(pidOf(t)) {
			continue
		}
		stdout, stderr := readOutputs(t)
		var result persistence.BackgroundResult
		if ours {
			code := c.code
			result = persistence.BackgroundResult{Status: persistence.BackgroundCompleted, ExitCode: &code, Stdout: stdout, Stderr: stderr}
			if code != 0 {
				result.Status = persistence.BackgroundFailed
				result.ReasonCode = ReasonExitCode
			}
		} else {
			// Re-discovered process: the exit code is lost, so classify by
			// whether it wrote to stderr.
			code := 0
			result = persistence.BackgroundResult{Status: persistence.BackgroundCompleted, Stdout: stdout, Stderr: stderr}
			if strings.TrimSpace(stderr) != "" {
				code = 1
				result.Status = persistence.BackgroundFailed
				result.ReasonCode = ReasonStderr
			}
			result.ExitCode = &code
		}
		ok, err := q.store.FinishBackgroundTask(ctx, t.TaskID, result)
		if err != nil {
			return finished, err
		}
		if ok {
			q.logger.Info("background task finished", "bg_task_id", t.TaskID, "status", result.Status)
			finished = append(finished, t.TaskID)
		}
	}
	return finished, nil
}

func pidOf(t persistence.BackgroundTask) int {
	pid, _ := t.MetaInt("pid")
	return pid
}

func fromSeconds(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

func readOutputs(t persistence.BackgroundTask) (string, string) {
	return readOutput(t.MetaString("stdout_file")), readOutput(t.MetaString("stderr_file"))
}

func readOutput(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(data), "")
}

// Harvest converts up to limit finished rows, oldest first, into feedback
// and deletes them.
func (q *Queue) Harvest(ctx context.Context, limit int) ([]Feedback, error) {
	if limit <= 0 {
		limit = DefaultHarvestLimit
	}
	done, err := q.store.ListBackgroundTasks(ctx, q.sessionID, limit, persistence.BackgroundCompleted, persistence.BackgroundFailed)
	if err != nil {
		return nil, err
	}
	var out []Feedback
	for _, t := range done {
		out = append(out, parseOutput(t, q.failureSeverity(t))...)
		if err := q.store.DeleteBackgroundTask(ctx, t.TaskID); err != nil {
			return out, err
		}
		q.removeOutput(t)
		q.metrics.BackgroundHarvest.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(t.Status))))
	}
	return out, nil
}

func (q *Queue) removeOutput(t persistence.BackgroundTask) {
	for _, key := range []string{"stdout_file", "stderr_file"} {
		if p := t.MetaString(key); p != "" {
			_ = os.Remove(p)
		}
	}
}

type structuredOutput struct {
	Feedback []struct {
		Content  string `json:"content"`
		Severity string `json:"severity"`
		Category string `json:"category"`
	} `json:"feedback"`
}

// ParseOutput turns a finished row into feedback: each item of a
// {"feedback": [...]} document on stdout (whole output or its last JSON
// line), else a summary of the raw output.
func ParseOutput(t persistence.BackgroundTask) []Feedback {
	return parseOutput(t, "warn")
}

// failureSeverity ranks the summary of a failed row under the queue's policy.
func (q *Queue) failureSeverity(t persistence.BackgroundTask) string {
	switch t.ReasonCode {
	case ReasonMissingTool:
		if !q.policy.MissingToolIsWarning {
			return "error"
		}
	case ReasonStderr:
		if !q.policy.TreatStderrOnlyAsWarning {
			return "error"
		}
	}
	return "warn"
}

func parseOutput(t persistence.BackgroundTask, failureSeverity string) []Feedback {
	if doc, ok := findStructured(t.Stdout); ok {
		var out []Feedback
		for _, f := range doc.Feedback {
			if strings.TrimSpace(f.Content) == "" {
				continue
			}
			out = append(out, Feedback{
				Content:  f.Content,
				Severity: orDefault(f.Severity, "info"),
				Category: orDefault(f.Category, "background-task"),
				TaskID:   t.Source,
			})
		}
		if len(out) > 0 {
			return out
		}
	}

	succeeded := t.ExitCode != nil && *t.ExitCode == 0
	switch {
	case succeeded && strings.TrimSpace(t.Stdout) != "":
		return []Feedback{{
			Content:  "Background task completed:\n" + truncate(t.Stdout, summaryLimit),
			Severity: "info",
			Category: "background-task",
			TaskID:   t.Source,
		}}
	case !succeeded:
		msg := t.Error
		if msg == "" {
			msg = t.Stderr
		}
		if msg == "" {
			msg = "Unknown error"
		}
		return []Feedback{{
			Content:  "Background task failed: " + truncate(msg, summaryLimit),
			Severity: failureSeverity,
			Category: "background-task",
			TaskID:   t.Source,
		}}
	}
	return nil
}

func findStructured(stdout string) (structuredOutput, bool) {
	var doc structuredOutput
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return doc, false
	}
	if json.Unmarshal([]byte(trimmed), &doc) == nil && doc.Feedback != nil {
		return doc, true
	}
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		doc = structuredOutput{}
		if json.Unmarshal([]byte(line), &doc) == nil && doc.Feedback != nil {
			return doc, true
		}
		break
	}
	return doc, false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Cleanup removes the session's queue rows, drop-ins and output files.
func (q *Queue) Cleanup(ctx context.Context) error {
	var errs []error
	if err := q.store.CleanupBackground(ctx, q.sessionID); err != nil {
		errs = append(errs, err)
	}
	for _, dir := range []string{q.IncomingDir(), q.OutputDir()} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}
