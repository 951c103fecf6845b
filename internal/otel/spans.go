package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for crewd spans.
var (
	AttrTaskID        = attribute.Key("crewd.task.id")
	AttrAgentID       = attribute.Key("crewd.agent.id")
	AttrRole          = attribute.Key("crewd.agent.role")
	AttrToolName      = attribute.Key("crewd.tool.name")
	AttrProvider      = attribute.Key("crewd.provider")
	AttrAccountID     = attribute.Key("crewd.account.id")
	AttrEventKind     = attribute.Key("crewd.event.kind")
	AttrAttempt       = attribute.Key("crewd.dispatch.attempt")
	AttrCorrelationID = attribute.Key("crewd.correlation.id")
	AttrRisk          = attribute.Key("crewd.policy.risk")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway RPC).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (provider dispatch).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
