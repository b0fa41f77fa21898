package hook

// Response is the single JSON object written back to the host. Which fields
// are set depends on the event class; see decision.Engine.
type Response struct {
	Continue           *bool               `json:"continue,omitempty"`
	StopReason         string              `json:"stopReason,omitempty"`
	Decision           string              `json:"decision,omitempty"`
	Reason             string              `json:"reason,omitempty"`
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
	SuppressOutput     bool                `json:"suppressOutput,omitempty"`
	SystemMessage      string              `json:"systemMessage,omitempty"`
}

type HookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
	AdditionalContext        string `json:"additionalContext,omitempty"`
}

// Continue returns a response that lets the host proceed.
func Continue() Response {
	t := true
	return Response{Continue: &t}
}

// Stop returns a response that ends the session or turn with reason.
func Stop(reason string) Response {
	f := false
	return Response{Continue: &f, StopReason: reason}
}

// Block returns the post-action block shape.
func Block(reason string) Response {
	return Response{Decision: "block", Reason: reason}
}

// ConfigFatal is returned when configuration cannot be resolved: the session
// stops and the message is surfaced everywhere the host may look.
func ConfigFatal(event, msg string) Response {
	r := Stop(msg)
	r.SystemMessage = msg
	r.HookSpecificOutput = &HookSpecificOutput{HookEventName: event, AdditionalContext: msg}
	return r
}
