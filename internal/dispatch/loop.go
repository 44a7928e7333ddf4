package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/metrics"
)

type Consumer interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) ([]byte, bool, error)
}

// Loop pops dispatch messages and processes them one at a time. Run several loops for
// concurrency; they share a Processor and its throttler.
type Loop struct {
	consumer    Consumer
	processor   *Processor
	queueName   string
	pollTimeout time.Duration
	errBackoff  time.Duration
	logger      *zap.Logger
}

func NewLoop(consumer Consumer, processor *Processor, queueName string, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		consumer:    consumer,
		processor:   processor,
		queueName:   queueName,
		pollTimeout: 2 * time.Second,
		errBackoff:  time.Second,
		logger:      logger,
	}
}

// Run returns nil once ctx is cancelled. A message already popped is finished first.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		payload, ok, err := l.consumer.Dequeue(ctx, l.queueName, l.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("dequeue failed", zap.String("queue", l.queueName), zap.Error(err))
			if !sleep(ctx, l.errBackoff) {
				return nil
			}
			continue
		}
		if !ok {
			continue
		}

		runCtx := context.WithoutCancel(ctx)
		l.ProcessOne(runCtx, payload)
	}
}

// ProcessOne handles one raw message. A message whose outcome cannot be recorded is
// dropped: the item is still dispatchable and the next batch selects it again.
func (l *Loop) ProcessOne(ctx context.Context, payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		l.logger.Error("dropping malformed dispatch message", zap.ByteString("payload", payload), zap.Error(err))
		return
	}
	if !msg.EnqueuedAt.IsZero() {
		metrics.ObserveTimeInQueue(l.queueName, time.Since(msg.EnqueuedAt).Seconds())
	}

	ctx, end := StartItemSpan(ctx, msg.ItemID, l.queueName, msg.Traceparent)
	defer end()

	outcome, err := l.processor.Process(ctx, msg)
	if err != nil {
		l.logger.Error("processing failed", zap.String("item_id", msg.ItemID), zap.Error(err))
		return
	}
	l.logger.Debug("processed", zap.String("item_id", msg.ItemID), zap.String("outcome", string(outcome)))
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
