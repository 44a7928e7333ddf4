package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pranavko12/weathervault/internal/telemetry"
)

func StartItemSpan(ctx context.Context, itemID, queueName, traceparent string) (context.Context, func()) {
	ctx = telemetry.WithTraceparent(ctx, traceparent)
	tracer := otel.Tracer("weathervault/dispatch")
	ctx, span := tracer.Start(ctx, "process_item",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("item_id", itemID),
			attribute.String("queue", queueName),
		),
	)
	return ctx, func() { span.End() }
}
