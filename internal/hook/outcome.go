package hook

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// PermissionDecision values accepted by the host for pre-action events.
const (
	PermissionAllow = "allow"
	PermissionDeny  = "deny"
	PermissionAsk   = "ask"
)

// Outcome is the result of one task execution. Tasks return zero or more;
// the runner synthesizes one on error or timeout.
type Outcome struct {
	Block                    bool          `json:"block,omitempty"`
	Reason                   string        `json:"reason,omitempty"`
	EndTurn                  bool          `json:"end_turn,omitempty"`
	AddContext               string        `json:"add_context,omitempty"`
	PermissionDecision       string        `json:"permission_decision,omitempty"`
	PermissionDecisionReason string        `json:"permission_decision_reason,omitempty"`
	SuppressOutput           bool          `json:"suppress_output,omitempty"`
	SystemMessage            string        `json:"system_message,omitempty"`
	FilePath                 string        `json:"file_path,omitempty"`
	TaskID                   string        `json:"task_id,omitempty"`
	Elapsed                  time.Duration `json:"elapsed,omitempty"`
	Severity                 Severity      `json:"severity,omitempty"`
	Category                 string        `json:"category,omitempty"`
}

// Warning builds the outcome used for task failures, timeouts and
// unresolved refs. It carries no severity or category so no block rule can
// promote it.
func Warning(taskID, reason string) Outcome {
	return Outcome{Reason: reason, TaskID: taskID}
}

// HasContext reports whether the outcome carries advisory text.
func (o Outcome) HasContext() bool {
	return strings.TrimSpace(o.AddContext) != ""
}

// NormalizedSeverity lowercases the severity for rule matching.
func (o Outcome) NormalizedSeverity() string {
	return normalizeToken(string(o.Severity))
}

// NormalizedCategory lowercases the category for rule matching.
func (o Outcome) NormalizedCategory() string {
	return normalizeToken(o.Category)
}
