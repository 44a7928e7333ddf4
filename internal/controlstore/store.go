// Package controlstore persists the collection queue, the progress aggregate, the geocode
// cache and the bootstrap lock. Every state change that the queue relies on is a conditional
// or additive SQL update; callers never read-modify-write a row.
package controlstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pranavko12/weathervault/internal/domain"
)

var ErrNotFound = errors.New("not found")

// maxErrorMessage bounds error_message so a verbose upstream body cannot bloat the queue row.
const maxErrorMessage = 1024

// putChunkSize bounds how many work items one bulk insert statement carries.
const putChunkSize = 500

type Store interface {
	Ping(ctx context.Context) error

	QueueIsEmpty(ctx context.Context) (bool, error)
	CountItems(ctx context.Context) (ItemCounts, error)
	PutItems(ctx context.Context, items []domain.WorkItem) error
	GetItem(ctx context.Context, itemID string) (domain.WorkItem, error)
	ListDispatchable(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error)
	ListByStatus(ctx context.Context, status domain.ItemStatus, limit int) ([]domain.WorkItem, error)

	AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error

	InsertProgress(ctx context.Context, rec domain.ProgressRecord) (bool, error)
	GetProgress(ctx context.Context, jobID string) (domain.ProgressRecord, error)
	ResetDailyUsage(ctx context.Context, jobID, today string, now time.Time) (bool, error)
	SetJobStatus(ctx context.Context, jobID string, from, to domain.JobStatus, now time.Time) (bool, error)

	CompleteItem(ctx context.Context, u CompleteUpdate) (bool, error)
	FailItem(ctx context.Context, u FailUpdate) (FailResult, error)
	ReplayItem(ctx context.Context, jobID, itemID string, now time.Time) (bool, error)

	GetGeocode(ctx context.Context, loc domain.Location) (domain.GeocodeEntry, error)
	PutGeocode(ctx context.Context, entry domain.GeocodeEntry) error
}

type ItemCounts struct {
	Total     int
	Completed int
	Poisoned  int
}

// CompleteUpdate moves a pending or failed item to completed and, only if that was
// accepted, adds one completion and CallsSpent API calls to the progress row.
type CompleteUpdate struct {
	JobID      string
	ItemID     string
	ObjectKey  string
	CallsSpent int
	Now        time.Time
}

// FailUpdate records one failed attempt. ExpectedRetryCount guards against a concurrent
// failure having already bumped the counter the caller computed its backoff from.
type FailUpdate struct {
	JobID              string
	ItemID             string
	Message            string
	Now                time.Time
	AvailableAt        time.Time
	ExpectedRetryCount int
	Poison             bool
	CallsSpent         int
}

type FailResult struct {
	Applied    bool
	Status     domain.ItemStatus
	RetryCount int
}

func truncateMessage(msg string) string {
	if len(msg) <= maxErrorMessage {
		return msg
	}
	return strings.ToValidUTF8(msg[:maxErrorMessage], "")
}

func failStatus(poison bool) domain.ItemStatus {
	if poison {
		return domain.StatusPoisoned
	}
	return domain.StatusFailed
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func chunks(items []domain.WorkItem, size int) [][]domain.WorkItem {
	var out [][]domain.WorkItem
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
