package dispatch

import (
	"context"
	"time"
)

type LeaseStore interface {
	TryLease(ctx context.Context, itemID, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, itemID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, itemID, owner string) error
}

// Leaser holds advisory per-item leases so an item is not dispatched again, or worked by
// two collectors at once, while an outcome is in flight. The dispatcher takes the lease
// and the processor adopts it through the owner carried in the message. A zero ttl
// disables leasing.
type Leaser struct {
	store      LeaseStore
	owner      string
	ttl        time.Duration
	renewEvery time.Duration
}

func NewLeaser(store LeaseStore, owner string, ttl time.Duration) *Leaser {
	renewEvery := ttl / 2
	if renewEvery <= 0 {
		renewEvery = ttl
	}
	return &Leaser{
		store:      store,
		owner:      owner,
		ttl:        ttl,
		renewEvery: renewEvery,
	}
}

func (l *Leaser) Enabled() bool {
	return l != nil && l.store != nil && l.ttl > 0
}

func (l *Leaser) Owner() string {
	if !l.Enabled() {
		return ""
	}
	return l.owner
}

// WithOwner returns a leaser acting for owner on the same store.
func (l *Leaser) WithOwner(owner string) *Leaser {
	if !l.Enabled() || owner == "" {
		return l
	}
	cp := *l
	cp.owner = owner
	return &cp
}

// Claim takes the lease, or keeps it when this owner already holds it.
func (l *Leaser) Claim(ctx context.Context, itemID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	ok, err := l.Renew(ctx, itemID)
	if err != nil || ok {
		return ok, err
	}
	return l.Acquire(ctx, itemID)
}

func (l *Leaser) Acquire(ctx context.Context, itemID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.store.TryLease(ctx, itemID, l.owner, l.ttl)
}

func (l *Leaser) Renew(ctx context.Context, itemID string) (bool, error) {
	return l.store.RenewLease(ctx, itemID, l.owner, l.ttl)
}

func (l *Leaser) Release(ctx context.Context, itemID string) error {
	if !l.Enabled() {
		return nil
	}
	return l.store.ReleaseLease(ctx, itemID, l.owner)
}

// Heartbeat renews the lease until ctx is cancelled.
func (l *Leaser) Heartbeat(ctx context.Context, itemID string) error {
	if !l.Enabled() {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := l.Renew(ctx, itemID); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
