package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Task Queue Core spans.
var (
	AttrTaskID       = attribute.Key("taskqueue.task.id")
	AttrTool         = attribute.Key("taskqueue.tool.name")
	AttrTaskStatus   = attribute.Key("taskqueue.task.status")
	AttrTaskSource   = attribute.Key("taskqueue.task.source")
	AttrScheduleID   = attribute.Key("taskqueue.schedule.id")
	AttrOwner        = attribute.Key("taskqueue.lease.owner")
	AttrCascadeCount = attribute.Key("taskqueue.cascade.count")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound tool call over the stdio transport.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
