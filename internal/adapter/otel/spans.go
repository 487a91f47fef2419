package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "liveauction"

// StartSessionSpan starts a span covering one client session.
func StartSessionSpan(ctx context.Context, sessionID, projection, remote string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.projection", projection),
			attribute.String("net.peer", remote),
		),
	)
}

// StartSubscribeSpan starts a span for opening an upstream subscription.
func StartSubscribeSpan(ctx context.Context, topic string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "upstream.subscribe",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("upstream.topic", topic)),
	)
}
