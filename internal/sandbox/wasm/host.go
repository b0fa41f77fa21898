// Package wasm runs task plugins compiled to WASI command modules. A plugin
// reads the task payload as JSON on stdin and writes its outcome(s) as JSON
// on stdout.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/tasks"
)

// Deterministic fault reason codes for plugin invocations.
const (
	FaultModuleNotFound = "WASM_MODULE_NOT_FOUND"
	FaultCompile        = "WASM_COMPILE"
	FaultTimeout        = "WASM_TIMEOUT"
	FaultMemoryExceeded = "WASM_MEMORY_EXCEEDED"
	FaultExit           = "WASM_EXIT"
	FaultBadOutput      = "WASM_BAD_OUTPUT"
	FaultExecError      = "WASM_FAULT"
)

// PluginFault is the structured error returned by plugin resolution and
// invocation.
type PluginFault struct {
	Reason string
	Module string
	Detail string
}

func (e *PluginFault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// Unwrap lets a missing plugin read as tasks.ErrNotFound.
func (e *PluginFault) Unwrap() error {
	if e.Reason == FaultModuleNotFound {
		return tasks.ErrNotFound
	}
	return nil
}

// DefaultMemoryLimitPages is 256 pages = 16MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 256

// maxOutputBytes bounds what a plugin may write to stdout or stderr.
const maxOutputBytes = 1 << 20

type Config struct {
	Dir     string
	Entries map[string]string
	Logger  *slog.Logger
	// MemoryLimitPages caps memory per instance (1 page = 64KB). 0 uses
	// DefaultMemoryLimitPages.
	MemoryLimitPages uint32
}

// Host owns one wazero runtime and a cache of compiled plugins.
type Host struct {
	dir     string
	entries map[string]string
	logger  *slog.Logger
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		dir:      cfg.Dir,
		entries:  cfg.Entries,
		logger:   cfg.Logger,
		runtime:  wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		compiled: map[string]wazero.CompiledModule{},
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return h, nil
}

func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	for name, c := range h.compiled {
		_ = c.Close(ctx)
		delete(h.compiled, name)
	}
	h.mu.Unlock()
	return h.runtime.Close(ctx)
}

// PluginPath returns the module path for name: an explicit entry, else
// <dir>/<name>.wasm.
func (h *Host) PluginPath(name string) (string, error) {
	if p, ok := h.entries[name]; ok && strings.TrimSpace(p) != "" {
		return p, nil
	}
	if h.dir == "" || !validPluginName(name) {
		return "", &PluginFault{Reason: FaultModuleNotFound, Module: name, Detail: "no plugin entry or directory"}
	}
	return filepath.Join(h.dir, name+".wasm"), nil
}

func validPluginName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\:`)
}

// Compile loads and caches the plugin module, replacing any cached copy.
func (h *Host) Compile(ctx context.Context, name string) error {
	_, err := h.compile(ctx, name, true)
	return err
}

// Forget drops the cached module so the next use recompiles it.
func (h *Host) Forget(ctx context.Context, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.compiled[name]; ok {
		_ = c.Close(ctx)
		delete(h.compiled, name)
	}
}

func (h *Host) compile(ctx context.Context, name string, force bool) (wazero.CompiledModule, error) {
	h.mu.Lock()
	if c, ok := h.compiled[name]; ok && !force {
		h.mu.Unlock()
		return c, nil
	}
	h.mu.Unlock()

	path, err := h.PluginPath(name)
	if err != nil {
		return nil, err
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &PluginFault{Reason: FaultModuleNotFound, Module: name, Detail: path}
		}
		return nil, fmt.Errorf("read plugin %s: %w", name, err)
	}
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &PluginFault{Reason: FaultCompile, Module: name, Detail: err.Error()}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.compiled[name]; ok {
		_ = old.Close(ctx)
	}
	h.compiled[name] = compiled
	h.logger.Debug("wasm plugin compiled", "plugin", name, "path", path)
	return compiled, nil
}

// ResolvePlugin implements tasks.PluginResolver.
func (h *Host) ResolvePlugin(ctx context.Context, name string) (tasks.Func, error) {
	if _, err := h.compile(ctx, name, false); err != nil {
		return nil, err
	}
	return func(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
		input, err := encodePayload(p)
		if err != nil {
			return nil, err
		}
		stdout, stderr, err := h.Invoke(ctx, name, input)
		if err != nil {
			if s := strings.TrimSpace(stderr); s != "" {
				return nil, fmt.Errorf("%w: %s", err, s)
			}
			return nil, err
		}
		outs, err := DecodeOutcomes(stdout)
		if err != nil {
			return nil, &PluginFault{Reason: FaultBadOutput, Module: name, Detail: err.Error()}
		}
		return outs, nil
	}, nil
}

type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxOutputBytes - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

// Invoke runs the plugin's _start with input on stdin. The instance is
// closed when ctx is done.
func (h *Host) Invoke(ctx context.Context, name string, input []byte) ([]byte, string, error) {
	compiled, err := h.compile(ctx, name, false)
	if err != nil {
		return nil, "", err
	}
	var stdout, stderr limitedBuffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(name).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := h.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if fault := classifyFault(ctx, name, err); fault != nil {
		h.logger.Warn("wasm plugin fault", "plugin", name, "reason", fault.Reason, "detail", fault.Detail)
		return stdout.buf.Bytes(), stderr.buf.String(), fault
	}
	return stdout.buf.Bytes(), stderr.buf.String(), nil
}

// classifyFault maps an instantiate/_start error to a PluginFault. A zero
// exit code is success.
func classifyFault(ctx context.Context, name string, err error) *PluginFault {
	if err == nil {
		return nil
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return &PluginFault{Reason: FaultTimeout, Module: name, Detail: ctx.Err().Error()}
		}
		if exitErr.ExitCode() == 0 {
			return nil
		}
		return &PluginFault{Reason: FaultExit, Module: name, Detail: fmt.Sprintf("exit code %d", exitErr.ExitCode())}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &PluginFault{Reason: FaultTimeout, Module: name, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &PluginFault{Reason: FaultMemoryExceeded, Module: name, Detail: msg}
	}
	return &PluginFault{Reason: FaultExecError, Module: name, Detail: msg}
}

// encodePayload flattens the host input and adds files, task and
// timeout_seconds, the shape plugins read from stdin.
func encodePayload(p tasks.Payload) ([]byte, error) {
	doc := map[string]any{}
	if p.Input != nil {
		for k, v := range p.Input.Raw {
			doc[k] = v
		}
	}
	files := p.Files
	if files == nil {
		files = []string{}
	}
	doc["files"] = files
	doc["task"] = p.Task
	doc["timeout_seconds"] = p.DefaultTimeout.Seconds()
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode plugin payload: %w", err)
	}
	return data, nil
}

// DecodeOutcomes accepts a single outcome object, an array of outcomes, or
// {"outcomes": [...]}. Empty output means no outcomes.
func DecodeOutcomes(data []byte) ([]hook.Outcome, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var outs []hook.Outcome
		if err := json.Unmarshal(data, &outs); err != nil {
			return nil, err
		}
		return outs, nil
	}
	var wrapped struct {
		Outcomes []hook.Outcome `json:"outcomes"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Outcomes != nil {
		return wrapped.Outcomes, nil
	}
	var one hook.Outcome
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []hook.Outcome{one}, nil
}
