package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for ticket store telemetry.
var (
	AttrPriority   = attribute.Key("actifix.ticket.priority")
	AttrHolder     = attribute.Key("actifix.lock.holder")
	AttrPrevHolder = attribute.Key("actifix.lock.prev_holder")
	AttrJob        = attribute.Key("actifix.maintenance.job")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
