package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/controlstore"
	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/metrics"
)

var ErrNotBootstrapped = errors.New("progress record not initialized")

type Store interface {
	QueueIsEmpty(ctx context.Context) (bool, error)
	CountItems(ctx context.Context) (controlstore.ItemCounts, error)
	PutItems(ctx context.Context, items []domain.WorkItem) error
	ListDispatchable(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error)
	AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
	InsertProgress(ctx context.Context, rec domain.ProgressRecord) (bool, error)
	GetProgress(ctx context.Context, jobID string) (domain.ProgressRecord, error)
	ResetDailyUsage(ctx context.Context, jobID, today string, now time.Time) (bool, error)
}

// Dispatcher hands a batch to collector workers and reports how many it handed off.
type Dispatcher interface {
	Dispatch(ctx context.Context, items []domain.WorkItem) (int, error)
}

type Config struct {
	JobID          string
	Locations      []domain.Location
	StartDate      time.Time
	EndDate        time.Time
	DailyCallLimit int
	MaxBatch       int
	LockTTL        time.Duration
}

type BootstrapOutcome string

const (
	BootstrapNoop      BootstrapOutcome = "already_bootstrapped"
	BootstrapCreated   BootstrapOutcome = "created"
	BootstrapRecovered BootstrapOutcome = "recovered"
	BootstrapSkipped   BootstrapOutcome = "lock_held"
)

type BootstrapResult struct {
	Outcome        BootstrapOutcome
	ItemsGenerated int
	TotalItems     int
}

// Batch is the outcome of one next-batch call. Reason explains an empty batch.
type Batch struct {
	Items          []domain.WorkItem
	QuotaReset     bool
	RemainingQuota int
	Reason         string
}

type Scheduler struct {
	store  Store
	cfg    Config
	owner  string
	logger *zap.Logger
}

func New(store Store, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		owner:  uuid.NewString(),
		logger: logger,
	}
}

func (s *Scheduler) lockName() string {
	return "bootstrap:" + s.cfg.JobID
}

// Bootstrap creates the work queue and the progress record once. Concurrent callers are
// serialized by a lock row; a caller that loses the lock does nothing. Items are inserted
// only if absent and the progress row is derived from what is actually stored, so a run
// that crashed between the two steps is completed by the next one.
func (s *Scheduler) Bootstrap(ctx context.Context, now time.Time) (BootstrapResult, error) {
	ctx, span := otel.Tracer("weathervault/scheduler").Start(ctx, "scheduler.bootstrap",
		trace.WithAttributes(attribute.String("job_id", s.cfg.JobID)),
	)
	defer span.End()

	empty, err := s.store.QueueIsEmpty(ctx)
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("probe queue: %w", err)
	}
	if !empty {
		_, err := s.store.GetProgress(ctx, s.cfg.JobID)
		if err == nil {
			return BootstrapResult{Outcome: BootstrapNoop}, nil
		}
		if !errors.Is(err, controlstore.ErrNotFound) {
			return BootstrapResult{}, fmt.Errorf("read progress: %w", err)
		}
	}

	ok, err := s.store.AcquireLock(ctx, s.lockName(), s.owner, now, s.cfg.LockTTL)
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("acquire bootstrap lock: %w", err)
	}
	if !ok {
		s.logger.Info("bootstrap lock held elsewhere", zap.String("job_id", s.cfg.JobID))
		return BootstrapResult{Outcome: BootstrapSkipped}, nil
	}
	defer func() {
		if err := s.store.ReleaseLock(context.WithoutCancel(ctx), s.lockName(), s.owner); err != nil {
			s.logger.Warn("release bootstrap lock", zap.Error(err))
		}
	}()

	items := domain.GenerateItems(s.cfg.Locations, s.cfg.StartDate, s.cfg.EndDate)
	if err := s.store.PutItems(ctx, items); err != nil {
		return BootstrapResult{}, fmt.Errorf("write queue: %w", err)
	}

	counts, err := s.store.CountItems(ctx)
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("count queue: %w", err)
	}
	remaining := counts.Total - counts.Completed
	status := domain.JobInProgress
	if remaining == 0 {
		status = domain.JobCompleted
	}
	inserted, err := s.store.InsertProgress(ctx, domain.ProgressRecord{
		JobID:           s.cfg.JobID,
		TotalItems:      counts.Total,
		CompletedItems:  counts.Completed,
		RemainingItems:  remaining,
		PoisonedItems:   counts.Poisoned,
		DailyCallsLimit: s.cfg.DailyCallLimit,
		Status:          status,
		StartedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	})
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("write progress: %w", err)
	}

	res := BootstrapResult{ItemsGenerated: len(items), TotalItems: counts.Total}
	switch {
	case !inserted:
		res.Outcome = BootstrapNoop
	case empty:
		res.Outcome = BootstrapCreated
	default:
		res.Outcome = BootstrapRecovered
	}
	span.SetAttributes(
		attribute.String("bootstrap.outcome", string(res.Outcome)),
		attribute.Int("bootstrap.total_items", res.TotalItems),
	)
	s.logger.Info("bootstrap finished",
		zap.String("job_id", s.cfg.JobID),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("generated", res.ItemsGenerated),
		zap.Int("total", res.TotalItems),
	)
	return res, nil
}

// NextBatch resets the daily quota on a new calendar day and returns at most
// min(maxItems, remaining quota) dispatchable items. maxItems <= 0 means the configured
// batch size.
func (s *Scheduler) NextBatch(ctx context.Context, now time.Time, maxItems int) (Batch, error) {
	ctx, span := otel.Tracer("weathervault/scheduler").Start(ctx, "scheduler.next_batch",
		trace.WithAttributes(attribute.String("job_id", s.cfg.JobID)),
	)
	defer span.End()

	if _, err := s.store.GetProgress(ctx, s.cfg.JobID); err != nil {
		if errors.Is(err, controlstore.ErrNotFound) {
			return Batch{}, ErrNotBootstrapped
		}
		return Batch{}, fmt.Errorf("read progress: %w", err)
	}

	var batch Batch
	reset, err := s.store.ResetDailyUsage(ctx, s.cfg.JobID, domain.Today(now), now)
	if err != nil {
		return Batch{}, fmt.Errorf("reset daily usage: %w", err)
	}
	batch.QuotaReset = reset
	if reset {
		s.logger.Info("daily quota reset", zap.String("job_id", s.cfg.JobID), zap.String("day", domain.Today(now)))
	}

	rec, err := s.store.GetProgress(ctx, s.cfg.JobID)
	if err != nil {
		return Batch{}, fmt.Errorf("read progress: %w", err)
	}
	batch.RemainingQuota = rec.RemainingQuota()

	if rec.Status != domain.JobInProgress {
		batch.Reason = "job " + string(rec.Status)
		return batch, nil
	}
	if batch.RemainingQuota == 0 {
		batch.Reason = "daily quota exhausted"
		return batch, nil
	}

	if maxItems <= 0 {
		maxItems = s.cfg.MaxBatch
	}
	limit := min(maxItems, batch.RemainingQuota)

	items, err := s.store.ListDispatchable(ctx, now, limit)
	if err != nil {
		return Batch{}, fmt.Errorf("list dispatchable: %w", err)
	}
	batch.Items = items
	if len(items) == 0 {
		batch.Reason = "nothing dispatchable"
	}
	span.SetAttributes(
		attribute.Int("batch.size", len(items)),
		attribute.Int("batch.remaining_quota", batch.RemainingQuota),
	)
	return batch, nil
}

type TickResult struct {
	Bootstrap  BootstrapResult
	Batch      Batch
	Dispatched int
}

// Tick runs one scheduler invocation: bootstrap if needed, compute the batch and hand it
// to the dispatcher.
func (s *Scheduler) Tick(ctx context.Context, now time.Time, d Dispatcher) (TickResult, error) {
	var res TickResult
	var err error

	if res.Bootstrap, err = s.Bootstrap(ctx, now); err != nil {
		return res, err
	}
	if res.Batch, err = s.NextBatch(ctx, now, 0); err != nil {
		return res, err
	}
	if len(res.Batch.Items) == 0 {
		s.logger.Info("nothing to dispatch",
			zap.String("job_id", s.cfg.JobID),
			zap.String("reason", res.Batch.Reason),
			zap.Int("remaining_quota", res.Batch.RemainingQuota),
		)
		return res, nil
	}

	n, err := d.Dispatch(ctx, res.Batch.Items)
	res.Dispatched = n
	metrics.AddDispatched(n)
	if err != nil {
		return res, fmt.Errorf("dispatch: %w", err)
	}
	s.logger.Info("batch dispatched",
		zap.String("job_id", s.cfg.JobID),
		zap.Int("selected", len(res.Batch.Items)),
		zap.Int("dispatched", n),
		zap.Int("remaining_quota", res.Batch.RemainingQuota),
	)
	return res, nil
}
