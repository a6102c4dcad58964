package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for hivegate spans.
var (
	AttrConnID     = attribute.Key("hivegate.conn.id")
	AttrRole       = attribute.Key("hivegate.conn.role")
	AttrMethod     = attribute.Key("hivegate.rpc.method")
	AttrRunID      = attribute.Key("hivegate.run.id")
	AttrSessionKey = attribute.Key("hivegate.session.key")
	AttrHookPath   = attribute.Key("hivegate.hook.path")
	AttrTopic      = attribute.Key("hivegate.broadcast.topic")
	AttrAuthReason = attribute.Key("hivegate.auth.reason")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (WS upgrade, hook, shim).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
