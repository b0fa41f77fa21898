package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the hookrouter instruments.
type Metrics struct {
	InvocationDuration metric.Float64Histogram
	TaskDuration       metric.Float64Histogram
	TaskErrors         metric.Int64Counter
	TaskTimeouts       metric.Int64Counter
	Decisions          metric.Int64Counter
	BackgroundSpawned  metric.Int64Counter
	BackgroundHarvest  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InvocationDuration, err = meter.Float64Histogram("hookrouter.invocation.duration",
		metric.WithDescription("Hook invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("hookrouter.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskErrors, err = meter.Int64Counter("hookrouter.task.errors",
		metric.WithDescription("Tasks that returned an error or panicked"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTimeouts, err = meter.Int64Counter("hookrouter.task.timeouts",
		metric.WithDescription("Tasks abandoned after their timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.Decisions, err = meter.Int64Counter("hookrouter.decisions",
		metric.WithDescription("Responses by event and kind"),
	)
	if err != nil {
		return nil, err
	}

	m.BackgroundSpawned, err = meter.Int64Counter("hookrouter.background.spawned",
		metric.WithDescription("Background processes started"),
	)
	if err != nil {
		return nil, err
	}

	m.BackgroundHarvest, err = meter.Int64Counter("hookrouter.background.harvested",
		metric.WithDescription("Finished background tasks converted to feedback"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(Disabled().Meter)
	return m
}
