package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/objectstore"
)

func TestParseKey(t *testing.T) {
	postal, date, ok := ParseKey("raw/openweather/year=2020/month=03/day=05/zipcode=10001/abc.json")
	if !ok || postal != "10001" || date != "2020-03-05" {
		t.Fatalf("got postal=%q date=%q ok=%v", postal, date, ok)
	}
	if _, _, ok := ParseKey("raw/year=2020/month=13/day=05/zipcode=10001/abc.json"); ok {
		t.Fatal("expected invalid month to fail")
	}
	if _, _, ok := ParseKey("raw/openweather/abc.json"); ok {
		t.Fatal("expected unpartitioned key to fail")
	}
}

func TestRunPrefersItemMetadata(t *testing.T) {
	objects := &fakeObjects{meta: map[string]map[string]string{
		// the response echoed the next day, the metadata names the requested item
		"raw/year=2020/month=03/day=05/zipcode=10001/a.json": {"item-id": "10001#US#2020-03-04"},
	}}
	tracker := &fakeTracker{open: map[string]bool{"10001#US#2020-03-04": true}}
	r := New(objects, tracker, "raw", nil, nil)

	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Completed != 1 || rep.Objects != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if tracker.calls[0] != "10001#US#2020-03-04" {
		t.Fatalf("unexpected reconciled id %v", tracker.calls)
	}
}

func TestRunFallsBackToKeyAndLocations(t *testing.T) {
	objects := &fakeObjects{meta: map[string]map[string]string{
		"raw/year=2020/month=03/day=04/zipcode=94105/a.json": {},
		"raw/year=2020/month=03/day=04/zipcode=94105/b.json": {},
		"raw/year=2020/month=03/day=04/zipcode=99999/c.json": {},
		"raw/stray/d.json": {"item-id": "garbage"},
	}}
	tracker := &fakeTracker{open: map[string]bool{"94105#US#2020-03-04": true}}
	locations := []domain.Location{
		{PostalCode: "94105", CountryCode: "US"},
		{PostalCode: "10001", CountryCode: "US"},
	}
	r := New(objects, tracker, "raw/", locations, nil)

	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Objects != 4 || rep.Completed != 1 || rep.Settled != 1 || rep.Unmatched != 2 || rep.Ambiguous != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestRunSkipsPostalCodeSharedByCountries(t *testing.T) {
	objects := &fakeObjects{meta: map[string]map[string]string{
		"raw/year=2020/month=03/day=04/zipcode=10001/a.json": {},
		"raw/year=2020/month=03/day=04/zipcode=10001/b.json": {"item-id": "10001#CA#2020-03-04"},
	}}
	tracker := &fakeTracker{open: map[string]bool{
		"10001#US#2020-03-04": true,
		"10001#CA#2020-03-04": true,
	}}
	locations := []domain.Location{
		{PostalCode: "10001", CountryCode: "US"},
		{PostalCode: "10001", CountryCode: "CA"},
	}
	r := New(objects, tracker, "raw", locations, nil)

	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Ambiguous != 1 || rep.Completed != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(tracker.calls) != 1 || tracker.calls[0] != "10001#CA#2020-03-04" {
		t.Fatalf("only the object with item metadata may be reconciled, got %v", tracker.calls)
	}
	if !tracker.open["10001#US#2020-03-04"] {
		t.Fatalf("the US item must not be completed from an ambiguous key")
	}
}

func TestRunWithEmptyStore(t *testing.T) {
	r := New(&fakeObjects{}, &fakeTracker{}, "raw", nil, nil)
	rep, err := r.Run(context.Background())
	if err != nil || rep.Objects != 0 {
		t.Fatalf("expected empty report, got %+v err=%v", rep, err)
	}
}

func TestRunStopsOnTrackerError(t *testing.T) {
	objects := &fakeObjects{meta: map[string]map[string]string{
		"raw/year=2020/month=03/day=04/zipcode=10001/a.json": {"item-id": "10001#US#2020-03-04"},
	}}
	errBoom := errors.New("store down")
	r := New(objects, &fakeTracker{err: errBoom}, "raw", nil, nil)
	if _, err := r.Run(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("expected tracker error, got %v", err)
	}
}

type fakeObjects struct {
	meta map[string]map[string]string
}

func (f *fakeObjects) List(_ context.Context, prefix, _ string) ([]string, error) {
	if len(f.meta) == 0 {
		return nil, fmt.Errorf("%w: %s", objectstore.ErrNoObjects, prefix)
	}
	keys := make([]string, 0, len(f.meta))
	for k := range f.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeObjects) Stat(_ context.Context, key string) (map[string]string, error) {
	return f.meta[key], nil
}

type fakeTracker struct {
	open  map[string]bool
	calls []string
	err   error
}

func (f *fakeTracker) MarkReconciled(_ context.Context, itemID, _ string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.calls = append(f.calls, itemID)
	if f.open[itemID] {
		delete(f.open, itemID)
		return true, nil
	}
	return false, nil
}
