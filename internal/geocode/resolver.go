// Package geocode maps a postal code to coordinates through a read-through cache in the
// control store. Cached entries are never invalidated.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/controlstore"
	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/metrics"
	"github.com/pranavko12/weathervault/internal/retry"
	"github.com/pranavko12/weathervault/internal/weather"
)

var ErrGeocodeMissing = errors.New("geocode missing")

// MissingError reports a lookup whose response carried no usable coordinates.
type MissingError struct {
	Location domain.Location
	Err      error
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("geocode missing for %s: %v", e.Location, e.Err)
}

func (e *MissingError) Unwrap() error   { return e.Err }
func (e *MissingError) Is(t error) bool { return t == ErrGeocodeMissing }
func (e *MissingError) Retryable() bool { return false }

type Cache interface {
	GetGeocode(ctx context.Context, loc domain.Location) (domain.GeocodeEntry, error)
	PutGeocode(ctx context.Context, entry domain.GeocodeEntry) error
}

type Lookup interface {
	Geocode(ctx context.Context, loc domain.Location) (weather.GeocodeResult, error)
}

// Resolution carries the coordinates together with the number of lookup requests the
// resolve sent. Lookups is set on failure too, since a failed request still spends quota.
type Resolution struct {
	Coordinates domain.Coordinates
	Lookups     int
}

type Resolver struct {
	cache  Cache
	lookup Lookup
	logger *zap.Logger
	now    func() time.Time
}

func NewResolver(cache Cache, lookup Lookup, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cache: cache, lookup: lookup, logger: logger, now: time.Now}
}

// Resolve returns cached coordinates, or looks them up and caches them. A failed cache
// write does not fail the call; the next resolve simply looks the location up again.
func (r *Resolver) Resolve(ctx context.Context, loc domain.Location) (Resolution, error) {
	entry, err := r.cache.GetGeocode(ctx, loc)
	if err == nil {
		metrics.IncGeocodeCache("hit")
		return Resolution{Coordinates: entry.Coordinates}, nil
	}
	if !errors.Is(err, controlstore.ErrNotFound) {
		return Resolution{}, retry.Retryable(fmt.Errorf("read geocode cache: %w", err))
	}
	metrics.IncGeocodeCache("miss")

	out := Resolution{Lookups: 1}
	res, err := r.lookup.Geocode(ctx, loc)
	if err != nil {
		if errors.Is(err, weather.ErrMissingKey) || errors.Is(err, weather.ErrNotObject) {
			return out, &MissingError{Location: loc, Err: err}
		}
		return out, err
	}

	entry = domain.GeocodeEntry{
		Location:    loc,
		Coordinates: res.Coordinates,
		Name:        res.Name,
		Country:     res.Country,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.cache.PutGeocode(ctx, entry); err != nil {
		r.logger.Warn("geocode cache write failed",
			zap.String("location", loc.String()),
			zap.Error(err),
		)
	}
	out.Coordinates = res.Coordinates
	return out, nil
}
