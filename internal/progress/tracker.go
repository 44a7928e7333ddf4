// Package progress owns the per-item state machine and the aggregate progress record.
// Every mutation is a conditional or additive store update; a rejected condition means
// another invocation already moved the item and is not an error.
package progress

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/controlstore"
	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/metrics"
	"github.com/pranavko12/weathervault/internal/retry"
)

var ErrConditionalUpdateRejected = errors.New("conditional update rejected")

// failAttempts bounds how often MarkFailed re-reads an item whose retry counter moved
// underneath it.
const failAttempts = 3

type Store interface {
	GetItem(ctx context.Context, itemID string) (domain.WorkItem, error)
	GetProgress(ctx context.Context, jobID string) (domain.ProgressRecord, error)
	CompleteItem(ctx context.Context, u controlstore.CompleteUpdate) (bool, error)
	FailItem(ctx context.Context, u controlstore.FailUpdate) (controlstore.FailResult, error)
	ReplayItem(ctx context.Context, jobID, itemID string, now time.Time) (bool, error)
	SetJobStatus(ctx context.Context, jobID string, from, to domain.JobStatus, now time.Time) (bool, error)
}

type Tracker struct {
	store     Store
	jobID     string
	queueName string
	policy    retry.Policy
	logger    *zap.Logger
	now       func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func NewTracker(store Store, jobID, queueName string, policy retry.Policy, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:     store,
		jobID:     jobID,
		queueName: queueName,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MarkCompleted records a successful collection and charges the calls it spent. It
// returns false when the item was already completed or poisoned by another invocation.
func (t *Tracker) MarkCompleted(ctx context.Context, itemID, objectKey string, callsSpent int) (bool, error) {
	return t.complete(ctx, itemID, objectKey, callsSpent)
}

// MarkReconciled completes an item whose object was found in storage after its outcome
// was lost. No API call is charged to today's quota.
func (t *Tracker) MarkReconciled(ctx context.Context, itemID, objectKey string) (bool, error) {
	return t.complete(ctx, itemID, objectKey, 0)
}

func (t *Tracker) complete(ctx context.Context, itemID, objectKey string, calls int) (bool, error) {
	ok, err := t.store.CompleteItem(ctx, controlstore.CompleteUpdate{
		JobID:      t.jobID,
		ItemID:     itemID,
		ObjectKey:  objectKey,
		CallsSpent: calls,
		Now:        t.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("complete %s: %w", itemID, err)
	}
	if !ok {
		t.logger.Info("completion not applied, item already settled",
			zap.String("item_id", itemID),
		)
		return false, nil
	}
	metrics.IncSuccess(t.queueName)
	t.logger.Info("item completed", zap.String("item_id", itemID), zap.String("object_key", objectKey))
	return true, nil
}

type FailOutcome struct {
	Applied     bool
	Status      domain.ItemStatus
	RetryCount  int
	AvailableAt time.Time
}

// MarkFailed records one failed attempt. The item backs off before it is selected again
// and is poisoned once its retry budget is spent. callsSpent is the number of weather
// requests the attempt actually sent.
func (t *Tracker) MarkFailed(ctx context.Context, itemID string, cause error, callsSpent int) (FailOutcome, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	class := retry.ClassifyError(cause)

	for i := 0; i < failAttempts; i++ {
		item, err := t.store.GetItem(ctx, itemID)
		if err != nil {
			return FailOutcome{}, fmt.Errorf("read %s: %w", itemID, err)
		}
		next := item.RetryCount + 1
		poison := t.policy.Exhausted(next)
		target := domain.StatusFailed
		if poison {
			target = domain.StatusPoisoned
		}
		if !item.Status.Dispatchable() || !domain.IsAllowedTransition(item.Status, target) {
			t.logger.Info("failure not applied, item already settled",
				zap.String("item_id", itemID),
				zap.String("status", string(item.Status)),
			)
			return FailOutcome{Status: item.Status, RetryCount: item.RetryCount}, nil
		}

		now := t.now().UTC()
		t.mu.Lock()
		availableAt := t.policy.AvailableAt(now, next, t.rng)
		t.mu.Unlock()

		res, err := t.store.FailItem(ctx, controlstore.FailUpdate{
			JobID:              t.jobID,
			ItemID:             itemID,
			Message:            msg,
			Now:                now,
			AvailableAt:        availableAt,
			ExpectedRetryCount: item.RetryCount,
			Poison:             poison,
			CallsSpent:         callsSpent,
		})
		if err != nil {
			return FailOutcome{}, fmt.Errorf("fail %s: %w", itemID, err)
		}
		if !res.Applied {
			continue
		}

		metrics.IncFailure(t.queueName, string(class))
		fields := []zap.Field{
			zap.String("item_id", itemID),
			zap.String("class", string(class)),
			zap.Int("retry_count", res.RetryCount),
			zap.Error(cause),
		}
		if poison {
			metrics.IncPoisoned(t.queueName)
			t.logger.Error("item poisoned after exhausting retries", fields...)
		} else {
			t.logger.Warn("item failed", append(fields, zap.Time("available_at", availableAt))...)
		}
		return FailOutcome{Applied: true, Status: res.Status, RetryCount: res.RetryCount, AvailableAt: availableAt}, nil
	}

	t.logger.Warn("failure not applied after concurrent updates", zap.String("item_id", itemID))
	return FailOutcome{}, fmt.Errorf("fail %s: %w", itemID, ErrConditionalUpdateRejected)
}

// Replay gives a poisoned item a fresh retry budget and makes it dispatchable now.
func (t *Tracker) Replay(ctx context.Context, itemID string) error {
	if _, _, err := domain.ParseItemID(itemID); err != nil {
		return err
	}
	ok, err := t.store.ReplayItem(ctx, t.jobID, itemID, t.now().UTC())
	if err != nil {
		return fmt.Errorf("replay %s: %w", itemID, err)
	}
	if !ok {
		if _, err := t.store.GetItem(ctx, itemID); err != nil {
			return err
		}
		return fmt.Errorf("replay %s: item is not poisoned: %w", itemID, ErrConditionalUpdateRejected)
	}
	t.logger.Info("item replayed", zap.String("item_id", itemID))
	return nil
}

func (t *Tracker) Pause(ctx context.Context) error {
	return t.setStatus(ctx, domain.JobInProgress, domain.JobPaused)
}

func (t *Tracker) Resume(ctx context.Context) error {
	return t.setStatus(ctx, domain.JobPaused, domain.JobInProgress)
}

func (t *Tracker) setStatus(ctx context.Context, from, to domain.JobStatus) error {
	ok, err := t.store.SetJobStatus(ctx, t.jobID, from, to, t.now().UTC())
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if !ok {
		if _, err := t.store.GetProgress(ctx, t.jobID); err != nil {
			return err
		}
		return fmt.Errorf("job is not %s: %w", from, ErrConditionalUpdateRejected)
	}
	t.logger.Info("job status changed", zap.String("job_id", t.jobID), zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// Progress reads the aggregate record. Counters that no longer add up are reported but
// still returned, since the status surface is how an operator finds out.
func (t *Tracker) Progress(ctx context.Context) (domain.ProgressRecord, error) {
	rec, err := t.store.GetProgress(ctx, t.jobID)
	if err != nil {
		return rec, err
	}
	if !rec.Conserved() {
		t.logger.Error("progress counters not conserved",
			zap.String("job_id", t.jobID),
			zap.Int("total", rec.TotalItems),
			zap.Int("completed", rec.CompletedItems),
			zap.Int("remaining", rec.RemainingItems),
		)
	}
	return rec, nil
}

func (t *Tracker) Item(ctx context.Context, itemID string) (domain.WorkItem, error) {
	if _, _, err := domain.ParseItemID(itemID); err != nil {
		return domain.WorkItem{}, err
	}
	return t.store.GetItem(ctx, itemID)
}

func (t *Tracker) ProgressSnapshot(ctx context.Context) (metrics.ProgressSnapshot, error) {
	rec, err := t.Progress(ctx)
	if err != nil {
		return metrics.ProgressSnapshot{}, err
	}
	return metrics.ProgressSnapshot{
		Total:          rec.TotalItems,
		Completed:      rec.CompletedItems,
		Remaining:      rec.RemainingItems,
		Poisoned:       rec.PoisonedItems,
		DailyCallsUsed: rec.DailyCallsUsed,
		DailyLimit:     rec.DailyCallsLimit,
	}, nil
}
