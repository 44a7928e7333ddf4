package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pranavko12/weathervault/internal/config"
	"github.com/pranavko12/weathervault/internal/controlstore"
	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/retry"
	"github.com/pranavko12/weathervault/internal/weather"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]domain.GeocodeEntry
	puts    int
	putErr  error
	getErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]domain.GeocodeEntry{}}
}

func (c *fakeCache) GetGeocode(_ context.Context, loc domain.Location) (domain.GeocodeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return domain.GeocodeEntry{}, c.getErr
	}
	e, ok := c.entries[loc.String()]
	if !ok {
		return domain.GeocodeEntry{}, controlstore.ErrNotFound
	}
	return e, nil
}

func (c *fakeCache) PutGeocode(_ context.Context, e domain.GeocodeEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if c.putErr != nil {
		return c.putErr
	}
	c.entries[e.Location.String()] = e
	return nil
}

type fakeLookup struct {
	calls int
	res   weather.GeocodeResult
	err   error
}

func (f *fakeLookup) Geocode(context.Context, domain.Location) (weather.GeocodeResult, error) {
	f.calls++
	return f.res, f.err
}

var nyc = domain.Location{PostalCode: "10001", CountryCode: "US"}

func nycResult() weather.GeocodeResult {
	return weather.GeocodeResult{
		Coordinates: domain.Coordinates{
			Latitude:  decimal.RequireFromString("40.7484"),
			Longitude: decimal.RequireFromString("-73.9967"),
		},
		Name:    "New York",
		Country: "US",
	}
}

func TestResolveCachesAfterFirstLookup(t *testing.T) {
	cache := newFakeCache()
	lookup := &fakeLookup{res: nycResult()}
	r := NewResolver(cache, lookup, nil)

	first, err := r.Resolve(context.Background(), nyc)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), nyc)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if lookup.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", lookup.calls)
	}
	if cache.puts != 1 {
		t.Fatalf("expected one cache write, got %d", cache.puts)
	}
	if !first.Coordinates.Latitude.Equal(second.Coordinates.Latitude) || !first.Coordinates.Longitude.Equal(second.Coordinates.Longitude) {
		t.Fatalf("coordinates drifted: %v vs %v", first.Coordinates, second.Coordinates)
	}
	if first.Lookups != 1 || second.Lookups != 0 {
		t.Fatalf("expected lookups 1 then 0, got %d then %d", first.Lookups, second.Lookups)
	}
}

func TestResolveMissingCoordinates(t *testing.T) {
	cache := newFakeCache()
	lookup := &fakeLookup{err: fmt.Errorf("%w: %q", weather.ErrMissingKey, "lat")}
	r := NewResolver(cache, lookup, nil)

	res, err := r.Resolve(context.Background(), nyc)
	if !errors.Is(err, ErrGeocodeMissing) {
		t.Fatalf("expected ErrGeocodeMissing, got %v", err)
	}
	if res.Lookups != 1 {
		t.Fatalf("the failed lookup was still sent, got %d lookups", res.Lookups)
	}
	var me *MissingError
	if !errors.As(err, &me) || me.Location != nyc {
		t.Fatalf("expected MissingError for %s, got %v", nyc, err)
	}
	if cache.puts != 0 {
		t.Fatalf("nothing should be cached on a missing geocode")
	}
}

func TestResolvePropagatesUpstreamErrors(t *testing.T) {
	upstream := &weather.StatusError{Endpoint: "geo", Code: 503}
	r := NewResolver(newFakeCache(), &fakeLookup{err: upstream}, nil)

	res, err := r.Resolve(context.Background(), nyc)
	if !errors.Is(err, upstream) {
		t.Fatalf("expected upstream error unchanged, got %v", err)
	}
	if res.Lookups != 1 {
		t.Fatalf("expected the 503 lookup to be counted, got %d", res.Lookups)
	}
	if errors.Is(err, ErrGeocodeMissing) {
		t.Fatalf("a 503 is not a missing geocode")
	}
}

func TestResolveIgnoresCacheWriteFailure(t *testing.T) {
	cache := newFakeCache()
	cache.putErr = errors.New("disk full")
	lookup := &fakeLookup{res: nycResult()}
	r := NewResolver(cache, lookup, nil)

	res, err := r.Resolve(context.Background(), nyc)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Coordinates.Latitude.String() != "40.7484" {
		t.Fatalf("unexpected coordinates: %v", res.Coordinates)
	}
}

func TestResolveCacheReadFailure(t *testing.T) {
	cache := newFakeCache()
	cache.getErr = errors.New("connection reset")
	lookup := &fakeLookup{res: nycResult()}
	r := NewResolver(cache, lookup, nil)

	res, err := r.Resolve(context.Background(), nyc)
	if err == nil {
		t.Fatalf("expected cache read error")
	}
	if res.Lookups != 0 {
		t.Fatalf("no lookup was sent, got %d", res.Lookups)
	}
	if got := retry.ClassifyError(err); got != retry.ClassRetryable {
		t.Fatalf("a cache read failure should be retryable, got %s", got)
	}
	if lookup.calls != 0 {
		t.Fatalf("must not call upstream when the cache cannot be read")
	}
}

func TestResolveBadCoordinateIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"New York","lat":"40.7484N","lon":-73.9967,"country":"US"}`))
	}))
	t.Cleanup(srv.Close)
	api := weather.NewAPI(weather.NewClient(2*time.Second, "weathervault-test"), config.OpenWeatherConfig{
		APIKey:     "k",
		GeocodeURL: srv.URL,
	})
	cache := newFakeCache()
	r := NewResolver(cache, api, nil)

	res, err := r.Resolve(context.Background(), nyc)
	if !errors.Is(err, ErrGeocodeMissing) {
		t.Fatalf("expected ErrGeocodeMissing, got %v", err)
	}
	if got := retry.ClassifyError(err); got != retry.ClassTerminal {
		t.Fatalf("an unparseable coordinate must be terminal, got %s", got)
	}
	if res.Lookups != 1 || cache.puts != 0 {
		t.Fatalf("expected one lookup and nothing cached, got lookups=%d puts=%d", res.Lookups, cache.puts)
	}
}
