package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/basket/hookrouter/internal/shared"
)

var ErrEmptyInput = errors.New("missing JSON hook input on stdin")

const inputSchemaJSON = `{
  "type": "object",
  "required": ["hook_event_name"],
  "properties": {
    "hook_event_name": {"type": "string", "minLength": 1},
    "session_id": {"type": "string"},
    "cwd": {"type": "string"},
    "tool_name": {"type": "string"},
    "prompt": {"type": "string"}
  }
}`

var inputSchema = shared.MustCompileSchema("hook-input.json", inputSchemaJSON)

// Input is one host invocation. Raw keeps every original field so tasks and
// plugins see exactly what the host sent.
type Input struct {
	HookEventName  string
	SessionID      string
	Cwd            string
	TranscriptPath string
	ToolName       string
	ToolInput      map[string]any
	ToolResponse   any
	Prompt         string
	Raw            map[string]any
}

func (in *Input) Event() Event {
	return Event(in.HookEventName)
}

// ParseInput reads and validates one JSON object from r.
func ParseInput(r io.Reader) (*Input, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read hook input: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, ErrEmptyInput
	}
	if err := shared.ValidateJSON(inputSchema, data); err != nil {
		return nil, fmt.Errorf("hook input: %w", err)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode hook input: %w", err)
	}
	in := &Input{Raw: raw}
	in.HookEventName, _ = raw["hook_event_name"].(string)
	in.SessionID, _ = raw["session_id"].(string)
	in.Cwd, _ = raw["cwd"].(string)
	in.TranscriptPath, _ = raw["transcript_path"].(string)
	in.ToolName, _ = raw["tool_name"].(string)
	in.Prompt, _ = raw["prompt"].(string)
	in.ToolInput, _ = raw["tool_input"].(map[string]any)
	if in.ToolInput == nil {
		in.ToolInput = map[string]any{}
	}
	in.ToolResponse = raw["tool_response"]
	return in, nil
}

// Command returns tool_input.command for shell tools, or "".
func (in *Input) Command() string {
	v, _ := in.ToolInput["command"].(string)
	return v
}
