// Package decision folds the outcomes of one invocation into the single
// response the host expects for the event.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/hookrouter/internal/hook"
	hotel "github.com/basket/hookrouter/internal/otel"
	"github.com/basket/hookrouter/internal/persistence"
	"github.com/basket/hookrouter/internal/policy"
)

// DefaultMaxContextLines bounds merged advisory text and block reasons.
const DefaultMaxContextLines = 50

// FeedbackRecorder is the part of the feedback store the engine uses to
// drop advice the session has already seen.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, in persistence.FeedbackInput) (persistence.FeedbackItem, error)
	MarkShown(ctx context.Context, issueID string) error
}

type Options struct {
	// Feedback is optional; without it every addition is shown.
	Feedback        FeedbackRecorder
	SessionID       string
	MaxContextLines int
	Logger          *slog.Logger
	Metrics         *hotel.Metrics
}

type Engine struct {
	feedback  FeedbackRecorder
	sessionID string
	maxLines  int
	logger    *slog.Logger
	metrics   *hotel.Metrics
}

func New(opts Options) *Engine {
	if opts.MaxContextLines <= 0 {
		opts.MaxContextLines = DefaultMaxContextLines
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = hotel.NoopMetrics()
	}
	return &Engine{
		feedback:  opts.Feedback,
		sessionID: opts.SessionID,
		maxLines:  opts.MaxContextLines,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// partition is the outcome set split by what each outcome asks for.
type partition struct {
	blocks       []hook.Outcome
	adds         []hook.Outcome
	preDecisions []hook.Outcome
	enders       []hook.Outcome
	suppress     bool
	systemMsgs   []string
}

func split(outcomes []hook.Outcome, pol policy.Blocker) partition {
	var p partition
	for _, o := range outcomes {
		matched := pol != nil && pol.Blocks(o.NormalizedSeverity(), o.NormalizedCategory())
		blocked := o.Block || matched
		if blocked {
			p.blocks = append(p.blocks, o)
		} else if o.HasContext() {
			p.adds = append(p.adds, o)
		}
		if o.PermissionDecision != "" {
			p.preDecisions = append(p.preDecisions, o)
		}
		if o.EndTurn {
			p.enders = append(p.enders, o)
		}
		if o.SuppressOutput {
			p.suppress = true
		}
		if msg := strings.TrimSpace(o.SystemMessage); msg != "" {
			p.systemMsgs = append(p.systemMsgs, msg)
		}
	}
	return p
}

// Decide builds the response for event. The only side effect is recording
// PostToolUse advice in the feedback store.
func (e *Engine) Decide(ctx context.Context, event hook.Event, outcomes []hook.Outcome, pol policy.Blocker) hook.Response {
	p := split(outcomes, pol)
	if event == hook.EventPostToolUse {
		p.adds = e.unseen(ctx, p.adds)
	}

	if len(p.blocks) > 0 && !event.CanBlock() {
		e.logger.Info("block ignored: event cannot block",
			"event", string(event), "blocks", len(p.blocks))
	}
	resp, kind := e.shape(event, p)
	if p.suppress {
		resp.SuppressOutput = true
	}
	if len(p.systemMsgs) > 0 {
		resp.SystemMessage = strings.Join(p.systemMsgs, "\n")
	}

	e.metrics.Decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(event)),
		attribute.String("decision", kind),
	))
	e.logger.Debug("decision made",
		"event", string(event),
		"decision", kind,
		"outcomes", len(outcomes),
		"blocks", len(p.blocks),
		"additions", len(p.adds),
	)
	return resp
}

func (e *Engine) shape(event hook.Event, p partition) (hook.Response, string) {
	switch event.Class() {
	case hook.ClassPreAction:
		return e.preAction(event, p)
	case hook.ClassPostAction:
		if len(p.blocks) > 0 {
			return hook.Block(e.blockReason(event, p.blocks)), "block"
		}
		return e.withContext(event, hook.Continue(), p.adds), "continue"
	}

	switch event {
	case hook.EventSessionStart:
		if len(p.blocks) > 0 {
			return hook.Stop(e.blockReason(event, p.blocks)), "stop"
		}
		if len(p.enders) > 0 {
			return hook.Stop(stopReason(p.enders)), "stop"
		}
		return e.withContext(event, hook.Continue(), p.adds), "continue"
	case hook.EventSessionEnd, hook.EventNotification:
		return e.withContext(event, hook.Continue(), p.adds), "continue"
	default:
		return hook.Continue(), "continue"
	}
}

func (e *Engine) preAction(event hook.Event, p partition) (hook.Response, string) {
	if len(p.blocks) > 0 {
		resp := hook.Continue()
		resp.HookSpecificOutput = &hook.HookSpecificOutput{
			HookEventName:            string(event),
			PermissionDecision:       hook.PermissionDeny,
			PermissionDecisionReason: e.blockReason(event, p.blocks),
		}
		return resp, "deny"
	}
	if len(p.enders) > 0 {
		return hook.Stop(stopReason(p.enders)), "stop"
	}

	resp := hook.Continue()
	if len(p.preDecisions) > 0 {
		first := p.preDecisions[0]
		resp.HookSpecificOutput = &hook.HookSpecificOutput{
			HookEventName:            string(event),
			PermissionDecision:       first.PermissionDecision,
			PermissionDecisionReason: first.PermissionDecisionReason,
		}
		return resp, first.PermissionDecision
	}
	if ctx := e.mergedContext(p.adds); ctx != "" {
		resp.HookSpecificOutput = &hook.HookSpecificOutput{
			HookEventName:            string(event),
			PermissionDecision:       hook.PermissionAllow,
			PermissionDecisionReason: ctx,
		}
		return resp, hook.PermissionAllow
	}
	return resp, "continue"
}

func (e *Engine) withContext(event hook.Event, resp hook.Response, adds []hook.Outcome) hook.Response {
	if ctx := e.mergedContext(adds); ctx != "" {
		resp.HookSpecificOutput = &hook.HookSpecificOutput{
			HookEventName:     string(event),
			AdditionalContext: ctx,
		}
	}
	return resp
}

// unseen records each addition with show_once and keeps those the session
// has not been shown yet. Store errors keep the addition.
func (e *Engine) unseen(ctx context.Context, adds []hook.Outcome) []hook.Outcome {
	if e.feedback == nil || len(adds) == 0 {
		return adds
	}
	kept := adds[:0:0]
	for _, o := range adds {
		taskID := o.TaskID
		if taskID == "" {
			taskID = "unknown"
		}
		item, err := e.feedback.RecordFeedback(ctx, persistence.FeedbackInput{
			Content:   o.AddContext,
			TaskID:    taskID,
			SessionID: e.sessionID,
			FilePath:  o.FilePath,
			Severity:  string(o.Severity),
			Category:  o.Category,
			Strategy:  persistence.StrategyShowOnce,
		})
		if err != nil {
			e.logger.Warn("feedback store unavailable, showing addition", "task_id", taskID, "error", err)
			kept = append(kept, o)
			continue
		}
		if !persistence.ShouldShow(item) {
			e.logger.Debug("feedback suppressed as already shown", "issue_id", item.IssueID, "occurrences", item.OccurrenceCount)
			continue
		}
		if err := e.feedback.MarkShown(ctx, item.IssueID); err != nil {
			e.logger.Warn("mark feedback shown failed", "issue_id", item.IssueID, "error", err)
		}
		kept = append(kept, o)
	}
	return kept
}

func (e *Engine) mergedContext(adds []hook.Outcome) string {
	parts := make([]string, 0, len(adds))
	for _, o := range adds {
		if s := strings.TrimSpace(o.AddContext); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return Truncate(strings.Join(parts, "\n"), e.maxLines)
}

func (e *Engine) blockReason(event hook.Event, blocks []hook.Outcome) string {
	var texts []string
	for _, o := range blocks {
		if s := strings.TrimSpace(o.Reason); s != "" {
			texts = append(texts, s)
		} else if s := strings.TrimSpace(o.AddContext); s != "" {
			texts = append(texts, s)
		}
	}
	if len(texts) > 0 {
		detail := Truncate(strings.Join(texts, "\n\n"), e.maxLines)
		if event == hook.EventPostToolUse {
			return "Issues found:\n" + detail
		}
		return detail
	}

	var ids []string
	for _, o := range blocks {
		if o.TaskID != "" {
			ids = append(ids, o.TaskID)
		}
	}
	switch {
	case len(ids) > 0 && event == hook.EventPostToolUse:
		return "Issues found in: " + strings.Join(ids, ", ")
	case len(ids) > 0:
		return "Blocked by: " + strings.Join(ids, ", ")
	case event == hook.EventPostToolUse:
		return "Issues found"
	default:
		return "Blocked"
	}
}

func stopReason(enders []hook.Outcome) string {
	for _, o := range enders {
		if s := strings.TrimSpace(o.Reason); s != "" {
			return s
		}
	}
	return "Requested stop"
}

// Truncate keeps the first max lines of text and notes how many were cut.
func Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= max {
		return text
	}
	omitted := len(lines) - max
	return strings.Join(lines[:max], "\n") + fmt.Sprintf("\n\n... (%d more lines truncated for brevity)", omitted)
}
