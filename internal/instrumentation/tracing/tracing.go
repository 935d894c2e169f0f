package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span on the global tracer provider. With no provider
// configured this is a noop, so kernel code can always create spans.
func StartSpan(ctx context.Context, tracerName, method string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, method, opts...)
}
