package hook_test

import (
	"encoding/json"
	"testing"

	"github.com/basket/hookrouter/internal/hook"
)

func TestEventClass(t *testing.T) {
	cases := []struct {
		event    hook.Event
		class    hook.Class
		canBlock bool
	}{
		{hook.EventPreToolUse, hook.ClassPreAction, true},
		{hook.EventPostToolUse, hook.ClassPostAction, true},
		{hook.EventPreCompact, hook.ClassPostAction, true},
		{hook.EventSessionStart, hook.ClassSessionLifecycle, true},
		{hook.EventSessionEnd, hook.ClassSessionLifecycle, false},
		{hook.EventNotification, hook.ClassOther, false},
		{hook.Event("Bogus"), hook.ClassOther, false},
	}
	for _, tc := range cases {
		if got := tc.event.Class(); got != tc.class {
			t.Errorf("%s class = %d, want %d", tc.event, got, tc.class)
		}
		if got := tc.event.CanBlock(); got != tc.canBlock {
			t.Errorf("%s CanBlock = %v, want %v", tc.event, got, tc.canBlock)
		}
	}
	if !hook.IsKnownEvent("SubagentStop") || hook.IsKnownEvent("subagentstop") {
		t.Fatal("IsKnownEvent should match exact names only")
	}
}

func TestResponseJSON(t *testing.T) {
	data, err := json.Marshal(hook.Continue())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"continue":true}` {
		t.Fatalf("continue = %s", data)
	}

	data, err = json.Marshal(hook.Stop("done"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"continue":false,"stopReason":"done"}` {
		t.Fatalf("stop = %s", data)
	}

	data, err = json.Marshal(hook.Block("Issues found:\nx"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"decision":"block","reason":"Issues found:\nx"}` {
		t.Fatalf("block = %s", data)
	}
}

func TestOutcomeNormalization(t *testing.T) {
	o := hook.Outcome{Severity: " ERROR ", Category: "Security"}
	if o.NormalizedSeverity() != "error" || o.NormalizedCategory() != "security" {
		t.Fatalf("normalize: %q %q", o.NormalizedSeverity(), o.NormalizedCategory())
	}
	w := hook.Warning("t1", "boom")
	if w.Block || w.Severity != "" || w.Category != "" || w.TaskID != "t1" {
		t.Fatalf("warning outcome: %+v", w)
	}
}
