package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type actorKey struct{}
type runLabelKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithActor attaches the acting user or worker identity to the context.
// The actor is recorded as user_context on every audit row.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the acting identity from context. Returns "system" if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// WithRunLabel attaches a batch/origin tag to the context.
func WithRunLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, runLabelKey{}, label)
}

// RunLabel extracts the batch/origin tag from context. Returns "" if absent.
func RunLabel(ctx context.Context) string {
	if v, ok := ctx.Value(runLabelKey{}).(string); ok {
		return v
	}
	return ""
}
