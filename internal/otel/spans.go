package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrEvent     = attribute.Key("hookrouter.event")
	AttrTaskID    = attribute.Key("hookrouter.task.id")
	AttrToolName  = attribute.Key("hookrouter.tool.name")
	AttrSessionID = attribute.Key("hookrouter.session.id")
	AttrDecision  = attribute.Key("hookrouter.decision")
	AttrTimedOut  = attribute.Key("hookrouter.task.timed_out")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts the root span for one hook invocation.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
