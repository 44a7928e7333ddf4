package controlstore

import (
	"context"
	"time"

	"github.com/pranavko12/weathervault/internal/domain"
)

// WithTimeout bounds every call on s by d, so a stalled database cannot hold a consumer
// or a shutdown indefinitely. Bulk inserts get d per chunk. A non-positive d returns s.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &boundedStore{next: s, timeout: d}
}

type boundedStore struct {
	next    Store
	timeout time.Duration
}

func (b *boundedStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

func (b *boundedStore) Ping(ctx context.Context) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.Ping(ctx)
}

func (b *boundedStore) QueueIsEmpty(ctx context.Context) (bool, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.QueueIsEmpty(ctx)
}

func (b *boundedStore) CountItems(ctx context.Context) (ItemCounts, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.CountItems(ctx)
}

func (b *boundedStore) PutItems(ctx context.Context, items []domain.WorkItem) error {
	n := max(1, (len(items)+putChunkSize-1)/putChunkSize)
	ctx, cancel := context.WithTimeout(ctx, b.timeout*time.Duration(n))
	defer cancel()
	return b.next.PutItems(ctx, items)
}

func (b *boundedStore) GetItem(ctx context.Context, itemID string) (domain.WorkItem, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.GetItem(ctx, itemID)
}

func (b *boundedStore) ListDispatchable(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.ListDispatchable(ctx, now, limit)
}

func (b *boundedStore) ListByStatus(ctx context.Context, status domain.ItemStatus, limit int) ([]domain.WorkItem, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.ListByStatus(ctx, status, limit)
}

func (b *boundedStore) AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.AcquireLock(ctx, name, owner, now, ttl)
}

func (b *boundedStore) ReleaseLock(ctx context.Context, name, owner string) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.ReleaseLock(ctx, name, owner)
}

func (b *boundedStore) InsertProgress(ctx context.Context, rec domain.ProgressRecord) (bool, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.InsertProgress(ctx, rec)
}

func (b *boundedStore) GetProgress(ctx context.Context, jobID string) (domain.ProgressRecord, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.GetProgress(ctx, jobID)
}

func (b *boundedStore) ResetDailyUsage(ctx context.Context, jobID, today string, now time.Time) (bool, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.ResetDailyUsage(ctx, jobID, today, now)
}

func (b *boundedStore) SetJobStatus(ctx context.Context, jobID string, from, to domain.JobStatus, now time.Time) (bool, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.SetJobStatus(ctx, jobID, from, to, now)
}

func (b *boundedStore) CompleteItem(ctx context.Context, u CompleteUpdate) (bool, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.CompleteItem(ctx, u)
}

func (b *boundedStore) FailItem(ctx context.Context, u FailUpdate) (FailResult, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.FailItem(ctx, u)
}

func (b *boundedStore) ReplayItem(ctx context.Context, jobID, itemID string, now time.Time) (bool, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.ReplayItem(ctx, jobID, itemID, now)
}

func (b *boundedStore) GetGeocode(ctx context.Context, loc domain.Location) (domain.GeocodeEntry, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.GetGeocode(ctx, loc)
}

func (b *boundedStore) PutGeocode(ctx context.Context, entry domain.GeocodeEntry) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.next.PutGeocode(ctx, entry)
}
