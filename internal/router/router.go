// Package router runs one hook invocation end to end: parse the host input,
// resolve config, run the selected tasks, fold in background results and
// write the single response.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/hookrouter/internal/audit"
	"github.com/basket/hookrouter/internal/background"
	"github.com/basket/hookrouter/internal/builtin"
	"github.com/basket/hookrouter/internal/config"
	"github.com/basket/hookrouter/internal/decision"
	"github.com/basket/hookrouter/internal/hook"
	hotel "github.com/basket/hookrouter/internal/otel"
	"github.com/basket/hookrouter/internal/persistence"
	"github.com/basket/hookrouter/internal/runner"
	"github.com/basket/hookrouter/internal/sandbox/wasm"
	"github.com/basket/hookrouter/internal/shared"
	"github.com/basket/hookrouter/internal/tasks"
	"github.com/basket/hookrouter/internal/telemetry"
)

// Background feedback defaults, applied when a harvested item leaves them
// blank.
const (
	backgroundCategory = "background-task"
	backgroundTaskID   = "background"
)

type Options struct {
	// ConfigSources are explicit config files or presets; empty means
	// discovery.
	ConfigSources []string
	// BaseDir anchors config discovery; empty uses the working directory.
	BaseDir string
	// Tasks are registered after the built-ins and may replace them.
	Tasks map[string]tasks.Func
	Cache *config.Cache

	// Logger, Tracer and Metrics override the ones built from the resolved
	// config.
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *hotel.Metrics

	// StoreOptions are passed to every session store, for tests.
	StoreOptions []persistence.Option
}

type Router struct {
	opts Options
}

func New(opts Options) *Router {
	if opts.Cache == nil {
		opts.Cache = config.NewCache()
	}
	return &Router{opts: opts}
}

// invocation carries the per-call collaborators.
type invocation struct {
	in      *hook.Input
	cfg     *config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *hotel.Metrics
	closers []func()
}

func (iv *invocation) close() {
	for i := len(iv.closers) - 1; i >= 0; i-- {
		iv.closers[i]()
	}
}

// Handle reads one hook input from in and writes exactly one JSON response
// to out. It returns an error only when the input is unusable or the
// response cannot be written.
func (r *Router) Handle(ctx context.Context, in io.Reader, out io.Writer) error {
	input, err := hook.ParseInput(in)
	if err != nil {
		return err
	}
	event := input.Event()
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithSessionID(ctx, input.SessionID)
	ctx = shared.WithEvent(ctx, string(event))
	ctx = config.WithCache(ctx, r.opts.Cache)

	resolver := config.NewResolver(r.opts.BaseDir, r.logger())
	cfg, err := resolver.Load(ctx, r.opts.ConfigSources...)
	if err != nil {
		r.logger().Error("config resolution failed", "event", string(event), "error", err)
		return writeResponse(out, hook.ConfigFatal(string(event), "hookrouter: "+err.Error()))
	}

	iv := r.setup(ctx, input, cfg, traceID)
	defer iv.close()

	start := time.Now()
	ctx, span := hotel.StartServerSpan(ctx, iv.tracer, "hook.invoke",
		hotel.AttrEvent.String(string(event)),
		hotel.AttrToolName.String(input.ToolName),
		hotel.AttrSessionID.String(input.SessionID),
	)
	resp := r.invoke(ctx, iv)
	span.SetAttributes(hotel.AttrDecision.String(decisionLabel(resp)))
	span.End()
	r.audit(iv, traceID, resp)
	iv.metrics.InvocationDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("event", string(event))))

	return writeResponse(out, resp)
}

// setup builds logging and telemetry from cfg unless the caller supplied
// them.
func (r *Router) setup(ctx context.Context, input *hook.Input, cfg *config.Config, traceID string) *invocation {
	iv := &invocation{in: input, cfg: cfg, logger: r.opts.Logger, tracer: r.opts.Tracer, metrics: r.opts.Metrics}
	if iv.logger == nil {
		logger, closer, err := telemetry.NewLogger(telemetry.Options{
			LogDir:  cfg.LogDir(),
			Level:   cfg.LogLevel,
			TraceID: traceID,
		})
		if err != nil {
			logger = telemetry.Discard()
		} else {
			iv.closers = append(iv.closers, func() { _ = closer.Close() })
		}
		iv.logger = logger
	} else {
		iv.logger = iv.logger.With("trace_id", traceID)
	}
	iv.logger = iv.logger.With("event", input.HookEventName, "session_id", input.SessionID)

	if iv.tracer == nil || iv.metrics == nil {
		provider, err := hotel.Init(ctx, hotel.Config{
			Enabled:        cfg.Telemetry.Enabled,
			Exporter:       cfg.Telemetry.Exporter,
			Endpoint:       cfg.Telemetry.Endpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			SampleRate:     cfg.Telemetry.SampleRate,
			FilePath:       filepath.Join(cfg.StateDir, "traces.jsonl"),
			MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		})
		if err != nil {
			iv.logger.Warn("telemetry disabled", "error", err)
			provider = hotel.Disabled()
		}
		iv.closers = append(iv.closers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = provider.Shutdown(sctx)
		})
		if iv.tracer == nil {
			iv.tracer = provider.Tracer
		}
		if iv.metrics == nil {
			m, err := hotel.NewMetrics(provider.Meter)
			if err != nil {
				m = hotel.NoopMetrics()
			}
			iv.metrics = m
		}
	}
	return iv
}

func (r *Router) invoke(ctx context.Context, iv *invocation) hook.Response {
	in, cfg := iv.in, iv.cfg
	event := in.Event()

	var files []string
	if event == hook.EventPostToolUse {
		files = hook.ChangedFiles(in)
	}

	reg := r.registry(ctx, iv)
	descs := tasks.Select(ctx, event, cfg, in.ToolName, files, reg, iv.logger)
	iv.logger.Info("tasks selected", "count", len(descs), "files", len(files), "config", cfg.Fingerprint())

	run := runner.New(runner.Options{
		Concurrency:    cfg.Concurrency,
		DefaultTimeout: cfg.DefaultTaskTimeout(),
		Tracer:         iv.tracer,
		Metrics:        iv.metrics,
		Logger:         iv.logger,
	})
	outcomes := run.Run(ctx, descs, tasks.Payload{
		Input:          in,
		Files:          files,
		Config:         cfg,
		DefaultTimeout: cfg.DefaultTaskTimeout(),
	})

	sessionDir := cfg.SessionDir(in.SessionID)
	storeOpts := append([]persistence.Option{persistence.WithFeedbackTTL(cfg.FeedbackTTL())}, r.opts.StoreOptions...)
	store, err := persistence.OpenSession(sessionDir, storeOpts...)
	if err != nil {
		iv.logger.Warn("session store unavailable, continuing without dedup or background work", "error", err)
		store = nil
	}

	var queue *background.Queue
	if store != nil {
		queue = background.New(store, sessionDir, in.SessionID, background.Options{
			Logger:         iv.logger,
			Metrics:        iv.metrics,
			DefaultTimeout: cfg.Background.DefaultTimeout,
			Policy:         &cfg.Policy,
		})
		outcomes = append(outcomes, r.housekeep(ctx, iv, queue)...)
	}

	opts := decision.Options{
		SessionID:       in.SessionID,
		MaxContextLines: cfg.Feedback.MaxContextLines,
		Logger:          iv.logger,
		Metrics:         iv.metrics,
	}
	if store != nil {
		opts.Feedback = store
	}
	resp := decision.New(opts).Decide(ctx, event, outcomes, cfg.Policy)

	if store != nil {
		if event == hook.EventSessionEnd {
			r.cleanup(ctx, iv, store, queue, sessionDir)
		} else if err := store.Close(); err != nil {
			iv.logger.Warn("close session store", "error", err)
		}
	}
	return resp
}

// registry holds the built-ins, caller tasks and, when plugins are
// configured, the WASI plugin host as fallback.
func (r *Router) registry(ctx context.Context, iv *invocation) *tasks.Registry {
	reg := tasks.NewRegistry()
	builtin.Register(reg)
	for ref, fn := range r.opts.Tasks {
		reg.Register(ref, fn)
	}
	plugins := iv.cfg.Plugins
	if plugins.Dir == "" && len(plugins.Entries) == 0 {
		return reg
	}
	host, err := wasm.NewHost(ctx, wasm.Config{
		Dir:              plugins.Dir,
		Entries:          plugins.Entries,
		Logger:           iv.logger,
		MemoryLimitPages: plugins.MemoryLimitPages,
	})
	if err != nil {
		iv.logger.Warn("plugin host unavailable", "error", err)
		return reg
	}
	iv.closers = append(iv.closers, func() { _ = host.Close(context.Background()) })
	reg.AddPluginResolver(host)
	return reg
}

// housekeep advances the session's background queue and returns harvested
// results as advisory outcomes. Failures are logged and skipped.
func (r *Router) housekeep(ctx context.Context, iv *invocation, queue *background.Queue) []hook.Outcome {
	ctx, span := hotel.StartSpan(ctx, iv.tracer, "background.housekeep")
	defer span.End()

	if ids, err := queue.ImportExternal(ctx); err != nil {
		iv.logger.Warn("import drop-ins failed", "error", err)
	} else if len(ids) > 0 {
		iv.logger.Info("drop-ins imported", "count", len(ids))
	}
	cwd := iv.in.Cwd
	if cwd == "" {
		cwd = "."
	}
	if _, err := queue.Spawn(ctx, iv.cfg.Background.MaxConcurrent, cwd); err != nil {
		iv.logger.Warn("spawn background tasks failed", "error", err)
	}
	if _, err := queue.Poll(ctx); err != nil {
		iv.logger.Warn("poll background tasks failed", "error", err)
	}
	harvested, err := queue.Harvest(ctx, iv.cfg.Background.HarvestLimit)
	if err != nil {
		iv.logger.Warn("harvest background tasks failed", "error", err)
	}

	out := make([]hook.Outcome, 0, len(harvested))
	for _, fb := range harvested {
		out = append(out, feedbackOutcome(fb))
	}
	return out
}

func feedbackOutcome(fb background.Feedback) hook.Outcome {
	o := hook.Outcome{
		AddContext: fb.Content,
		Severity:   hook.Severity(fb.Severity),
		Category:   fb.Category,
		TaskID:     fb.TaskID,
	}
	if o.Severity == "" {
		o.Severity = hook.SeverityInfo
	}
	if o.Category == "" {
		o.Category = backgroundCategory
	}
	if o.TaskID == "" {
		o.TaskID = backgroundTaskID
	}
	return o
}

// cleanup drops everything the session persisted. It runs after the
// decision so SessionEnd can still report harvested results.
func (r *Router) cleanup(ctx context.Context, iv *invocation, store *persistence.Store, queue *background.Queue, sessionDir string) {
	if repeated, err := store.FeedbackSummary(ctx, iv.in.SessionID, 2); err == nil {
		deferred, _ := store.DeferredFeedback(ctx, iv.in.SessionID)
		iv.logger.Info("session feedback summary", "repeated", len(repeated), "deferred", len(deferred))
	}
	if err := store.CleanupFeedback(ctx, iv.in.SessionID); err != nil {
		iv.logger.Warn("feedback cleanup failed", "error", err)
	}
	if err := queue.Cleanup(ctx); err != nil {
		iv.logger.Warn("queue cleanup failed", "error", err)
	}
	if err := store.Close(); err != nil {
		iv.logger.Warn("close session store", "error", err)
	}
	if err := os.RemoveAll(sessionDir); err != nil {
		iv.logger.Warn("remove session dir failed", "path", sessionDir, "error", err)
		return
	}
	iv.logger.Info("session cleaned up")
}

// audit appends deny, block and stop decisions to the audit log. Failures
// are logged and never change the response.
func (r *Router) audit(iv *invocation, traceID string, resp hook.Response) {
	label, reason, ok := audit.Enforcing(resp)
	if !ok {
		return
	}
	log, err := audit.Open(iv.cfg.LogDir())
	if err != nil {
		iv.logger.Warn("audit log unavailable", "error", err)
		return
	}
	defer log.Close()
	err = log.Record(audit.Entry{
		TraceID:       traceID,
		SessionID:     iv.in.SessionID,
		Event:         iv.in.HookEventName,
		ToolName:      iv.in.ToolName,
		Decision:      label,
		Reason:        reason,
		PolicyVersion: iv.cfg.Policy.PolicyVersion(),
	})
	if err != nil {
		iv.logger.Warn("audit record failed", "error", err)
	}
}

func (r *Router) logger() *slog.Logger {
	if r.opts.Logger != nil {
		return r.opts.Logger
	}
	return telemetry.Discard()
}

func decisionLabel(resp hook.Response) string {
	switch {
	case resp.Decision != "":
		return resp.Decision
	case resp.Continue != nil && !*resp.Continue:
		return "stop"
	case resp.HookSpecificOutput != nil && resp.HookSpecificOutput.PermissionDecision != "":
		return resp.HookSpecificOutput.PermissionDecision
	default:
		return "continue"
	}
}

func writeResponse(w io.Writer, resp hook.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
