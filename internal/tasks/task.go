// Package tasks turns configured task references into resolved descriptors.
package tasks

import (
	"context"
	"time"

	"github.com/basket/hookrouter/internal/config"
	"github.com/basket/hookrouter/internal/hook"
)

// Info identifies the running task inside its payload.
type Info struct {
	ID     string         `json:"id"`
	Params map[string]any `json:"params,omitempty"`
}

// Payload is what every task receives: the host input, the changed files,
// the resolved config and its own identity.
type Payload struct {
	Input          *hook.Input
	Files          []string
	Config         *config.Config
	DefaultTimeout time.Duration
	Task           Info
}

// WithTask returns a copy of p addressed to one task.
func (p Payload) WithTask(id string, params map[string]any) Payload {
	p.Task = Info{ID: id, Params: params}
	return p
}

// Param returns a task parameter or nil.
func (p Payload) Param(key string) any {
	if p.Task.Params == nil {
		return nil
	}
	return p.Task.Params[key]
}

// Event returns the hook event of the invocation.
func (p Payload) Event() hook.Event {
	if p.Input == nil {
		return ""
	}
	return p.Input.Event()
}

// Func is a task body. Tool failures should be reported as outcomes; a
// returned error or panic is converted by the runner.
type Func func(ctx context.Context, p Payload) ([]hook.Outcome, error)

// Descriptor is a resolved, immutable unit of work for one invocation.
type Descriptor struct {
	ID      string
	Func    Func
	Timeout time.Duration
	Params  map[string]any
}
