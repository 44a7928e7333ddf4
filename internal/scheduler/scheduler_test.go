package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pranavko12/weathervault/internal/controlstore"
	"github.com/pranavko12/weathervault/internal/dispatch"
	"github.com/pranavko12/weathervault/internal/domain"
)

var testNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		JobID: domain.DefaultJobID,
		Locations: []domain.Location{
			{PostalCode: "10001", CountryCode: "US"},
			{PostalCode: "94105", CountryCode: "US"},
		},
		StartDate:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC),
		DailyCallLimit: 950,
		MaxBatch:       950,
		LockTTL:        10 * time.Minute,
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	store := newMemStore()
	s := New(store, testConfig(), nil)

	res, err := s.Bootstrap(context.Background(), testNow)
	if err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if res.Outcome != BootstrapCreated || res.TotalItems != 10 {
		t.Fatalf("unexpected first result: %+v", res)
	}

	res, err = s.Bootstrap(context.Background(), testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if res.Outcome != BootstrapNoop {
		t.Fatalf("expected noop, got %+v", res)
	}
	if len(store.items) != 10 {
		t.Fatalf("expected 10 items, got %d", len(store.items))
	}
	rec := store.progress[domain.DefaultJobID]
	if rec.TotalItems != 10 || rec.RemainingItems != 10 || rec.CompletedItems != 0 || rec.Status != domain.JobInProgress {
		t.Fatalf("unexpected progress: %+v", rec)
	}
	if store.locks["bootstrap:"+domain.DefaultJobID] != "" {
		t.Fatalf("lock was not released")
	}
}

func TestBootstrapSkipsWhenLockHeld(t *testing.T) {
	store := newMemStore()
	store.locks["bootstrap:"+domain.DefaultJobID] = "someone-else"
	s := New(store, testConfig(), nil)

	res, err := s.Bootstrap(context.Background(), testNow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if res.Outcome != BootstrapSkipped {
		t.Fatalf("expected skipped, got %+v", res)
	}
	if len(store.items) != 0 || len(store.progress) != 0 {
		t.Fatalf("loser of the lock must not write")
	}
}

func TestBootstrapRecoversMissingProgress(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	items := domain.GenerateItems(cfg.Locations, cfg.StartDate, cfg.EndDate)
	// a crashed bootstrap wrote part of the queue and no progress row
	if err := store.PutItems(context.Background(), items[:4]); err != nil {
		t.Fatal(err)
	}
	done := store.items[items[0].ItemID]
	done.Status = domain.StatusCompleted
	store.items[items[0].ItemID] = done

	res, err := New(store, cfg, nil).Bootstrap(context.Background(), testNow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if res.Outcome != BootstrapRecovered {
		t.Fatalf("expected recovered, got %+v", res)
	}
	rec := store.progress[cfg.JobID]
	if rec.TotalItems != 10 || rec.CompletedItems != 1 || rec.RemainingItems != 9 {
		t.Fatalf("progress must be derived from stored items: %+v", rec)
	}
	if store.items[items[0].ItemID].Status != domain.StatusCompleted {
		t.Fatalf("existing items must not be overwritten")
	}
}

func TestBootstrapConcurrentCallersCreateOnce(t *testing.T) {
	store := newMemStore()
	var wg sync.WaitGroup
	outcomes := make(chan BootstrapOutcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := New(store, testConfig(), nil).Bootstrap(context.Background(), testNow)
			if err != nil {
				t.Errorf("bootstrap: %v", err)
				return
			}
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	created := 0
	for o := range outcomes {
		if o == BootstrapCreated {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one creator, got %d", created)
	}
	if store.progressInserts != 1 {
		t.Fatalf("expected one progress insert, got %d", store.progressInserts)
	}
}

func TestNextBatchRequiresBootstrap(t *testing.T) {
	s := New(newMemStore(), testConfig(), nil)
	if _, err := s.NextBatch(context.Background(), testNow, 10); !errors.Is(err, ErrNotBootstrapped) {
		t.Fatalf("expected ErrNotBootstrapped, got %v", err)
	}
}

func TestNextBatchResetsQuotaOnNewDay(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	cfg.DailyCallLimit = 4
	s := New(store, cfg, nil)
	if _, err := s.Bootstrap(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	rec := store.progress[cfg.JobID]
	rec.DailyCallsUsed = 4
	rec.LastRun = "2024-03-09"
	store.progress[cfg.JobID] = rec

	batch, err := s.NextBatch(context.Background(), testNow, 100)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if !batch.QuotaReset {
		t.Fatalf("expected quota reset")
	}
	if len(batch.Items) != 4 || batch.RemainingQuota != 4 {
		t.Fatalf("expected min(max, limit)=4 items, got %d (quota %d)", len(batch.Items), batch.RemainingQuota)
	}
	got := store.progress[cfg.JobID]
	if got.DailyCallsUsed != 0 || got.LastRun != "2024-03-10" {
		t.Fatalf("unexpected progress after reset: %+v", got)
	}
}

func TestNextBatchSameDayDoesNotReset(t *testing.T) {
	store := newMemStore()
	s := New(store, testConfig(), nil)
	if _, err := s.Bootstrap(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NextBatch(context.Background(), testNow, 1); err != nil {
		t.Fatal(err)
	}
	rec := store.progress[domain.DefaultJobID]
	rec.DailyCallsUsed = 948
	store.progress[domain.DefaultJobID] = rec

	batch, err := s.NextBatch(context.Background(), testNow.Add(2*time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	if batch.QuotaReset {
		t.Fatalf("same day must not reset")
	}
	if len(batch.Items) != 2 {
		t.Fatalf("expected 2 items from remaining quota, got %d", len(batch.Items))
	}
}

func TestNextBatchQuotaExhausted(t *testing.T) {
	store := newMemStore()
	s := New(store, testConfig(), nil)
	if _, err := s.Bootstrap(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	rec := store.progress[domain.DefaultJobID]
	rec.DailyCallsUsed = rec.DailyCallsLimit
	rec.LastRun = domain.Today(testNow)
	store.progress[domain.DefaultJobID] = rec

	batch, err := s.NextBatch(context.Background(), testNow, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Items) != 0 || batch.Reason == "" {
		t.Fatalf("expected empty batch with reason, got %+v", batch)
	}
}

func TestNextBatchPausedJob(t *testing.T) {
	store := newMemStore()
	s := New(store, testConfig(), nil)
	if _, err := s.Bootstrap(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	rec := store.progress[domain.DefaultJobID]
	rec.Status = domain.JobPaused
	store.progress[domain.DefaultJobID] = rec

	batch, err := s.NextBatch(context.Background(), testNow, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Items) != 0 {
		t.Fatalf("paused job must not dispatch")
	}
}

func TestNextBatchSkipsCompletedAndBackedOff(t *testing.T) {
	store := newMemStore()
	s := New(store, testConfig(), nil)
	if _, err := s.Bootstrap(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	ids := store.sortedIDs()
	completed := store.items[ids[0]]
	completed.Status = domain.StatusCompleted
	store.items[ids[0]] = completed
	waiting := store.items[ids[1]]
	waiting.Status = domain.StatusFailed
	waiting.AvailableAt = testNow.Add(time.Hour)
	store.items[ids[1]] = waiting
	poisoned := store.items[ids[2]]
	poisoned.Status = domain.StatusPoisoned
	store.items[ids[2]] = poisoned

	batch, err := s.NextBatch(context.Background(), testNow, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Items) != 7 {
		t.Fatalf("expected 7 dispatchable items, got %d", len(batch.Items))
	}
	for _, it := range batch.Items {
		if it.ItemID == ids[0] || it.ItemID == ids[1] || it.ItemID == ids[2] {
			t.Fatalf("item %s must not be dispatched", it.ItemID)
		}
	}
}

func TestTickDispatchesBatch(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{}
	res, err := New(store, testConfig(), nil).Tick(context.Background(), testNow, d)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Bootstrap.Outcome != BootstrapCreated || res.Dispatched != 10 || len(d.items) != 10 {
		t.Fatalf("unexpected tick result: %+v (dispatched %d)", res, len(d.items))
	}
}

func TestTickTwiceDoesNotRedispatchInFlightItems(t *testing.T) {
	store := newMemStore()
	q := &listQueue{}
	d := dispatch.NewDispatcher(q, "weathervault:dispatch", dispatch.NewLeaser(newMemLeases(), "", time.Hour))
	s := New(store, testConfig(), nil)

	first, err := s.Tick(context.Background(), testNow, d)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	second, err := s.Tick(context.Background(), testNow.Add(time.Minute), d)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if first.Dispatched != 10 || second.Dispatched != 0 {
		t.Fatalf("expected 10 then 0 dispatched, got %d then %d", first.Dispatched, second.Dispatched)
	}
	if len(second.Batch.Items) != 10 {
		t.Fatalf("unsettled items are still selected, got %d", len(second.Batch.Items))
	}
	if len(q.payloads) != 10 {
		t.Fatalf("expected 10 messages on the queue after two ticks, got %d", len(q.payloads))
	}
}

type listQueue struct {
	payloads [][]byte
}

func (q *listQueue) Enqueue(_ context.Context, _ string, payload []byte) error {
	q.payloads = append(q.payloads, payload)
	return nil
}

type memLeases struct {
	mu     sync.Mutex
	owners map[string]string
}

func newMemLeases() *memLeases {
	return &memLeases{owners: map[string]string{}}
}

func (m *memLeases) TryLease(_ context.Context, id, owner string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.owners[id]; held {
		return false, nil
	}
	m.owners[id] = owner
	return true, nil
}

func (m *memLeases) RenewLease(_ context.Context, id, owner string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[id] == owner, nil
}

func (m *memLeases) ReleaseLease(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[id] == owner {
		delete(m.owners, id)
	}
	return nil
}

type fakeDispatcher struct {
	items []domain.WorkItem
}

func (f *fakeDispatcher) Dispatch(_ context.Context, items []domain.WorkItem) (int, error) {
	f.items = append(f.items, items...)
	return len(items), nil
}

type memStore struct {
	mu              sync.Mutex
	items           map[string]domain.WorkItem
	progress        map[string]domain.ProgressRecord
	locks           map[string]string
	progressInserts int
}

func newMemStore() *memStore {
	return &memStore{
		items:    map[string]domain.WorkItem{},
		progress: map[string]domain.ProgressRecord{},
		locks:    map[string]string{},
	}
}

func (m *memStore) sortedIDs() []string {
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *memStore) QueueIsEmpty(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items) == 0, nil
}

func (m *memStore) CountItems(context.Context) (controlstore.ItemCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c controlstore.ItemCounts
	for _, it := range m.items {
		c.Total++
		switch it.Status {
		case domain.StatusCompleted:
			c.Completed++
		case domain.StatusPoisoned:
			c.Poisoned++
		}
	}
	return c, nil
}

func (m *memStore) PutItems(_ context.Context, items []domain.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if _, ok := m.items[it.ItemID]; !ok {
			m.items[it.ItemID] = it
		}
	}
	return nil
}

func (m *memStore) ListDispatchable(_ context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkItem
	for _, it := range m.items {
		if it.Status.Dispatchable() && !it.AvailableAt.After(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ItemID < out[j].ItemID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) AcquireLock(_ context.Context, name, owner string, _ time.Time, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held := m.locks[name]; held != "" && held != owner {
		return false, nil
	}
	m.locks[name] = owner
	return true, nil
}

func (m *memStore) ReleaseLock(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[name] == owner {
		delete(m.locks, name)
	}
	return nil
}

func (m *memStore) InsertProgress(_ context.Context, rec domain.ProgressRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.progress[rec.JobID]; ok {
		return false, nil
	}
	m.progress[rec.JobID] = rec
	m.progressInserts++
	return true, nil
}

func (m *memStore) GetProgress(_ context.Context, jobID string) (domain.ProgressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.progress[jobID]
	if !ok {
		return domain.ProgressRecord{}, controlstore.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) ResetDailyUsage(_ context.Context, jobID, today string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.progress[jobID]
	if !ok || (rec.LastRun != "" && rec.LastRun >= today) {
		return false, nil
	}
	rec.DailyCallsUsed = 0
	rec.LastRun = today
	m.progress[jobID] = rec
	return true, nil
}
