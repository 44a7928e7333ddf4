package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pranavko12/weathervault/internal/domain"
)

type Queue interface {
	Enqueue(ctx context.Context, queueName string, payload []byte) error
}

// Dispatcher pushes one message per work item onto the dispatch queue. With a leaser it
// first leases each item, so a later tick skips items whose outcome is still in flight.
type Dispatcher struct {
	queue     Queue
	queueName string
	leaser    *Leaser
	now       func() time.Time
	newOwner  func() string
}

func NewDispatcher(queue Queue, queueName string, leaser *Leaser) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		queueName: queueName,
		leaser:    leaser,
		now:       time.Now,
		newOwner:  func() string { return "dispatch-" + uuid.NewString() },
	}
}

// Dispatch enqueues items in order and stops at the first failure. It returns the number
// of messages enqueued; items still leased by an earlier dispatch are skipped. Items that
// were not enqueued stay dispatchable and are picked up by a later batch.
func (d *Dispatcher) Dispatch(ctx context.Context, items []domain.WorkItem) (int, error) {
	ctx, span := otel.Tracer("weathervault/dispatch").Start(ctx, "dispatch.batch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("queue", d.queueName),
			attribute.Int("batch.size", len(items)),
		),
	)
	defer span.End()

	lease := d.leaser.WithOwner(d.newOwner())
	sent, inFlight := 0, 0
	defer func() {
		span.SetAttributes(attribute.Int("batch.sent", sent), attribute.Int("batch.in_flight", inFlight))
	}()

	for _, item := range items {
		ok, err := lease.Acquire(ctx, item.ItemID)
		if err != nil {
			return sent, fmt.Errorf("lease %s: %w", item.ItemID, err)
		}
		if !ok {
			inFlight++
			continue
		}
		payload, err := NewMessage(ctx, item.ItemID, lease.Owner(), d.now()).Encode()
		if err == nil {
			err = d.queue.Enqueue(ctx, d.queueName, payload)
		}
		if err != nil {
			if rerr := lease.Release(context.WithoutCancel(ctx), item.ItemID); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return sent, fmt.Errorf("enqueue %s: %w", item.ItemID, err)
		}
		sent++
	}
	return sent, nil
}
