package domain

import (
	"errors"
	"testing"
	"time"
)

func TestItemIDRoundTrip(t *testing.T) {
	id := ItemID("10001", "US", "2020-03-04")
	if id != "10001#US#2020-03-04" {
		t.Fatalf("unexpected item id %q", id)
	}

	loc, date, err := ParseItemID(id)
	if err != nil {
		t.Fatalf("ParseItemID error: %v", err)
	}
	if loc.PostalCode != "10001" || loc.CountryCode != "US" || date != "2020-03-04" {
		t.Fatalf("unexpected parse result %+v %s", loc, date)
	}
}

func TestParseItemIDRejectsMalformed(t *testing.T) {
	cases := []string{"", "10001#US", "10001#US#2020-13-01", "#US#2020-01-01", "a#b#c#d"}
	for _, c := range cases {
		if _, _, err := ParseItemID(c); !errors.Is(err, ErrInvalidItemID) {
			t.Fatalf("expected ErrInvalidItemID for %q, got %v", c, err)
		}
	}
}

func TestGenerateItemsCrossProductInclusive(t *testing.T) {
	locs := []Location{{"10001", "US"}, {"94105", "US"}}
	start := time.Date(2020, 2, 28, 0, 0, 0, 0, time.UTC)
	end := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

	items := GenerateItems(locs, start, end)
	if len(items) != 6 {
		t.Fatalf("expected 6 items (2 locations x 3 days incl. leap day), got %d", len(items))
	}

	seen := map[string]bool{}
	for _, it := range items {
		if it.Status != StatusPending {
			t.Fatalf("expected pending, got %s", it.Status)
		}
		if seen[it.ItemID] {
			t.Fatalf("duplicate item id %s", it.ItemID)
		}
		seen[it.ItemID] = true
	}
	if !seen["10001#US#2020-02-29"] || !seen["94105#US#2020-03-01"] {
		t.Fatalf("missing expected ids: %v", seen)
	}
}

func TestGenerateItemsEmptyRange(t *testing.T) {
	start := time.Date(2020, 3, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := GenerateItems([]Location{{"10001", "US"}}, start, end); len(got) != 0 {
		t.Fatalf("expected no items, got %d", len(got))
	}
}

func TestLocationValidate(t *testing.T) {
	valid := []Location{{"10001", "US"}, {"SW1A 1AA", "GB"}, {"75001", "FR"}}
	for _, l := range valid {
		if err := l.Validate(); err != nil {
			t.Fatalf("expected %v to be valid: %v", l, err)
		}
	}
	invalid := []Location{{"1001", "US"}, {"10001", "us"}, {"10001", "USA"}, {"", "GB"}}
	for _, l := range invalid {
		if err := l.Validate(); !errors.Is(err, ErrInvalidLocation) {
			t.Fatalf("expected %v to be invalid, got %v", l, err)
		}
	}
}

func TestIsAllowedTransition(t *testing.T) {
	allowed := []struct{ from, to ItemStatus }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusFailed, StatusCompleted},
		{StatusFailed, StatusFailed},
		{StatusFailed, StatusPoisoned},
		{StatusPoisoned, StatusFailed},
	}
	for _, c := range allowed {
		if !IsAllowedTransition(c.from, c.to) {
			t.Fatalf("expected %s -> %s to be allowed", c.from, c.to)
		}
	}

	rejected := []struct{ from, to ItemStatus }{
		{StatusCompleted, StatusPending},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusPoisoned, StatusPending},
		{StatusPoisoned, StatusCompleted},
	}
	for _, c := range rejected {
		if IsAllowedTransition(c.from, c.to) {
			t.Fatalf("expected %s -> %s to be rejected", c.from, c.to)
		}
	}
}

func TestRemainingQuota(t *testing.T) {
	p := ProgressRecord{DailyCallsLimit: 950, DailyCallsUsed: 900}
	if got := p.RemainingQuota(); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
	p.DailyCallsUsed = 950
	if got := p.RemainingQuota(); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
