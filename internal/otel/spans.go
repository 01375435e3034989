package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for workflow spans and metrics.
var (
	AttrAction    = attribute.Key("clawoffice.action")
	AttrRequestID = attribute.Key("clawoffice.request.id")
	AttrTaskID    = attribute.Key("clawoffice.task.id")
	AttrAgentID   = attribute.Key("clawoffice.agent.id")
	AttrChainID   = attribute.Key("clawoffice.chain.id")
	AttrState     = attribute.Key("clawoffice.state")
	AttrSource    = attribute.Key("clawoffice.source")
	AttrOutcome   = attribute.Key("clawoffice.outcome")
	AttrFrame     = attribute.Key("clawoffice.frame")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (Bot API, upstream gateway).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
