// Package runner executes selected tasks concurrently with per-task
// timeouts. A task that fails, panics or times out yields a warning outcome
// and never affects its siblings.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/hookrouter/internal/hook"
	hotel "github.com/basket/hookrouter/internal/otel"
	"github.com/basket/hookrouter/internal/shared"
	"github.com/basket/hookrouter/internal/tasks"
)

const (
	DefaultConcurrency = 6
	DefaultTimeout     = 12 * time.Second
)

type Options struct {
	Concurrency    int
	DefaultTimeout time.Duration
	Tracer         trace.Tracer
	Metrics        *hotel.Metrics
	Logger         *slog.Logger
}

type Runner struct {
	concurrency    int
	defaultTimeout time.Duration
	tracer         trace.Tracer
	metrics        *hotel.Metrics
	logger         *slog.Logger
}

func New(opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = hotel.Disabled().Tracer
	}
	if opts.Metrics == nil {
		opts.Metrics = hotel.NoopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		concurrency:    opts.Concurrency,
		defaultTimeout: opts.DefaultTimeout,
		tracer:         opts.Tracer,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}
}

type result struct {
	outcomes []hook.Outcome
	err      error
}

// Run executes descs with at most min(concurrency, len(descs)) in flight and
// returns their outcomes in descriptor order.
func (r *Runner) Run(ctx context.Context, descs []tasks.Descriptor, base tasks.Payload) []hook.Outcome {
	if len(descs) == 0 {
		return nil
	}
	workers := r.concurrency
	if workers > len(descs) {
		workers = len(descs)
	}
	if base.DefaultTimeout <= 0 {
		base.DefaultTimeout = r.defaultTimeout
	}

	slots := make([][]hook.Outcome, len(descs))
	sem := make(chan struct{}, workers)
	done := make(chan int, len(descs))
	for i, d := range descs {
		sem <- struct{}{}
		go func(i int, d tasks.Descriptor) {
			defer func() { <-sem; done <- i }()
			slots[i] = r.supervise(ctx, d, base)
		}(i, d)
	}
	for range descs {
		<-done
	}

	var out []hook.Outcome
	for _, s := range slots {
		out = append(out, s...)
	}
	return out
}

// supervise runs one task under its timeout. On expiry the task's context
// is cancelled and its goroutine abandoned; the slot is released.
func (r *Runner) supervise(ctx context.Context, d tasks.Descriptor, base tasks.Payload) []hook.Outcome {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = base.DefaultTimeout
	}
	ctx = shared.WithTaskID(ctx, d.ID)
	ctx, span := hotel.StartSpan(ctx, r.tracer, "task.run", hotel.AttrTaskID.String(d.ID))
	defer span.End()

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := base.WithTask(d.ID, d.Params)
	start := time.Now()
	ch := make(chan result, 1)
	go func() {
		ch <- r.invoke(taskCtx, d, payload)
	}()

	var outs []hook.Outcome
	attrs := metric.WithAttributes(attribute.String("task_id", d.ID))
	select {
	case res := <-ch:
		if res.err != nil {
			r.logger.Warn("task failed", "task_id", d.ID, "error", res.err)
			r.metrics.TaskErrors.Add(ctx, 1, attrs)
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
			outs = []hook.Outcome{hook.Warning(d.ID, fmt.Sprintf("Task %s failed: %v", d.ID, res.err))}
		} else {
			outs = res.outcomes
		}
	case <-taskCtx.Done():
		msg := fmt.Sprintf("task %s timed out after %s", d.ID, timeout)
		if ctx.Err() != nil {
			msg = fmt.Sprintf("task %s cancelled: %v", d.ID, ctx.Err())
		}
		r.logger.Warn("task abandoned", "task_id", d.ID, "timeout", timeout.String())
		r.metrics.TaskTimeouts.Add(ctx, 1, attrs)
		span.SetAttributes(hotel.AttrTimedOut.Bool(true))
		span.SetStatus(codes.Error, "timeout")
		outs = []hook.Outcome{hook.Warning(d.ID, msg)}
	}

	elapsed := time.Since(start)
	r.metrics.TaskDuration.Record(ctx, elapsed.Seconds(), attrs)
	for i := range outs {
		if outs[i].TaskID == "" {
			outs[i].TaskID = d.ID
		}
		outs[i].Elapsed = elapsed
	}
	r.logger.Debug("task finished", "task_id", d.ID, "outcomes", len(outs), "elapsed_ms", elapsed.Milliseconds())
	return outs
}

// invoke calls the task body and turns a panic into an error.
func (r *Runner) invoke(ctx context.Context, d tasks.Descriptor, p tasks.Payload) (res result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panicked", "task_id", d.ID, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			res = result{err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if d.Func == nil {
		return result{err: fmt.Errorf("task %s has no callable", d.ID)}
	}
	outs, err := d.Func(ctx, p)
	return result{outcomes: outs, err: err}
}
