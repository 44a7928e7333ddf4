package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/collector"
	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/metrics"
	"github.com/pranavko12/weathervault/internal/progress"
)

type ItemStore interface {
	GetItem(ctx context.Context, itemID string) (domain.WorkItem, error)
}

type Collector interface {
	Collect(ctx context.Context, item domain.WorkItem) (collector.Result, error)
}

type Tracker interface {
	MarkCompleted(ctx context.Context, itemID, objectKey string, callsSpent int) (bool, error)
	MarkFailed(ctx context.Context, itemID string, cause error, callsSpent int) (progress.FailOutcome, error)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeLeased    Outcome = "leased_elsewhere"
)

// Processor runs one dispatched item through collection and records the result.
type Processor struct {
	items     ItemStore
	collector Collector
	tracker   Tracker
	leaser    *Leaser
	throttler *Throttler
	queueName string
	logger    *zap.Logger
}

func NewProcessor(items ItemStore, c Collector, tracker Tracker, leaser *Leaser, throttler *Throttler, queueName string, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		items:     items,
		collector: c,
		tracker:   tracker,
		leaser:    leaser,
		throttler: throttler,
		queueName: queueName,
		logger:    logger,
	}
}

// Process collects one item and marks it completed or failed. A collection failure is
// recorded, not returned; the returned error means the outcome could not be recorded.
// The lease taken at dispatch is adopted when the message names its owner.
func (p *Processor) Process(ctx context.Context, msg Message) (Outcome, error) {
	itemID := msg.ItemID
	leaser := p.leaser.WithOwner(msg.LeaseOwner)

	item, err := p.items.GetItem(ctx, itemID)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", itemID, err)
	}
	if !item.Status.Dispatchable() {
		p.logger.Info("skipping settled item", zap.String("item_id", itemID), zap.String("status", string(item.Status)))
		if msg.LeaseOwner != "" {
			if err := leaser.Release(context.WithoutCancel(ctx), itemID); err != nil {
				p.logger.Warn("release lease", zap.String("item_id", itemID), zap.Error(err))
			}
		}
		return OutcomeSkipped, nil
	}

	ok, err := leaser.Claim(ctx, itemID)
	if err != nil {
		return "", fmt.Errorf("lease %s: %w", itemID, err)
	}
	if !ok {
		p.logger.Info("item leased by another collector", zap.String("item_id", itemID))
		return OutcomeLeased, nil
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	hbDone := make(chan error, 1)
	go func() {
		hbDone <- leaser.Heartbeat(hbCtx, itemID)
	}()
	defer func() {
		stopHeartbeat()
		if err := <-hbDone; err != nil {
			p.logger.Warn("lease heartbeat failed", zap.String("item_id", itemID), zap.Error(err))
		}
		// released only after the outcome is recorded
		if err := leaser.Release(context.Background(), itemID); err != nil {
			p.logger.Warn("release lease", zap.String("item_id", itemID), zap.Error(err))
		}
	}()

	if p.throttler != nil {
		// cancelled while waiting: nothing was attempted, the item stays selectable
		if err := p.throttler.Acquire(ctx); err != nil {
			return "", err
		}
		defer p.throttler.Release()
	}

	res, runErr := p.collect(ctx, item)
	if runErr != nil {
		if _, err := p.tracker.MarkFailed(context.WithoutCancel(ctx), itemID, runErr, res.APICalls); err != nil {
			return "", err
		}
		return OutcomeFailed, nil
	}
	if _, err := p.tracker.MarkCompleted(context.WithoutCancel(ctx), itemID, res.ObjectKey, res.APICalls); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

func (p *Processor) collect(ctx context.Context, item domain.WorkItem) (collector.Result, error) {
	metrics.IncAttempts(p.queueName)
	start := time.Now()
	res, err := p.collector.Collect(ctx, item)
	metrics.ObserveRuntime(p.queueName, time.Since(start).Seconds())
	return res, err
}
