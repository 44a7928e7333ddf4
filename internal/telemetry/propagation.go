package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// WithTraceparent attaches the remote span described by traceparent to ctx, so work
// picked up from the queue continues the trace of the dispatch that produced it.
func WithTraceparent(ctx context.Context, traceparent string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	carrier.Set("traceparent", traceparent)
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// TraceparentFromContext renders the active span of ctx as a W3C traceparent, or "".
func TraceparentFromContext(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get("traceparent")
}
