package hook

import "strings"

// Event is a host lifecycle point that triggers one invocation.
type Event string

const (
	EventPreToolUse       Event = "PreToolUse"
	EventPostToolUse      Event = "PostToolUse"
	EventUserPromptSubmit Event = "UserPromptSubmit"
	EventNotification     Event = "Notification"
	EventStop             Event = "Stop"
	EventSubagentStop     Event = "SubagentStop"
	EventPreCompact       Event = "PreCompact"
	EventSessionStart     Event = "SessionStart"
	EventSessionEnd       Event = "SessionEnd"
)

// Events lists every event the host can emit, in documentation order.
var Events = []Event{
	EventPreToolUse,
	EventPostToolUse,
	EventUserPromptSubmit,
	EventNotification,
	EventStop,
	EventSubagentStop,
	EventPreCompact,
	EventSessionStart,
	EventSessionEnd,
}

// IsKnownEvent reports whether name is one of Events (exact, case-sensitive).
func IsKnownEvent(name string) bool {
	for _, e := range Events {
		if string(e) == name {
			return true
		}
	}
	return false
}

// Class groups events by the response shape the host accepts.
type Class int

const (
	ClassOther Class = iota
	// ClassPreAction events can deny the pending action.
	ClassPreAction
	// ClassPostAction events run after the action already happened.
	ClassPostAction
	// ClassSessionLifecycle events start or end a session.
	ClassSessionLifecycle
)

func (e Event) Class() Class {
	switch e {
	case EventPreToolUse:
		return ClassPreAction
	case EventPostToolUse, EventUserPromptSubmit, EventStop, EventSubagentStop, EventPreCompact:
		return ClassPostAction
	case EventSessionStart, EventSessionEnd:
		return ClassSessionLifecycle
	default:
		return ClassOther
	}
}

// CanBlock reports whether the host honors a block/stop for this event.
func (e Event) CanBlock() bool {
	return e != EventSessionEnd && e != EventNotification && e.Class() != ClassOther
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
