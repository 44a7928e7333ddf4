// Package collector fetches one work item's daily weather summary and writes the raw
// response to the object store. It performs no retries and never touches progress state.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/geocode"
	"github.com/pranavko12/weathervault/internal/objectstore"
	"github.com/pranavko12/weathervault/internal/retry"
	"github.com/pranavko12/weathervault/internal/weather"
)

var ErrInvalidResponse = errors.New("invalid weather response")

const (
	contentType = "application/json"
	sourceTag   = "openweather-api-response"
)

// Object metadata keys written with every raw response.
const (
	MetaCollectionTime = "collection-time"
	MetaSource         = "source"
	MetaItemID         = "item-id"
)

type Resolver interface {
	Resolve(ctx context.Context, loc domain.Location) (geocode.Resolution, error)
}

type WeatherAPI interface {
	DaySummary(ctx context.Context, coords domain.Coordinates, date string) (weather.DaySummary, error)
}

type ObjectWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) (string, error)
}

// Result describes one collection attempt. APICalls counts the geocoding and weather
// requests actually sent, so a cache hit followed by a fetch costs one and a cold
// location costs two.
type Result struct {
	ObjectKey string
	APICalls  int
}

type Collector struct {
	resolver Resolver
	api      WeatherAPI
	objects  ObjectWriter
	prefix   string
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func New(resolver Resolver, api WeatherAPI, objects ObjectWriter, rawPrefix string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		resolver: resolver,
		api:      api,
		objects:  objects,
		prefix:   rawPrefix,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Collect resolves the item's location, fetches its day summary and stores the body under
// a partition derived from the date the response reports, not the date requested.
func (c *Collector) Collect(ctx context.Context, item domain.WorkItem) (Result, error) {
	ctx, span := otel.Tracer("weathervault/collector").Start(ctx, "collector.collect")
	defer span.End()
	span.SetAttributes(
		attribute.String("item.id", item.ItemID),
		attribute.String("item.date", item.Date),
	)

	res, err := c.collect(ctx, item)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (c *Collector) collect(ctx context.Context, item domain.WorkItem) (Result, error) {
	var res Result

	loc, err := c.resolver.Resolve(ctx, item.Location())
	res.APICalls = loc.Lookups
	if err != nil {
		return res, err
	}

	sum, err := c.api.DaySummary(ctx, loc.Coordinates, item.Date)
	res.APICalls++
	if err != nil {
		if errors.Is(err, weather.ErrMissingKey) || errors.Is(err, weather.ErrNotObject) {
			return res, retry.Terminal(fmt.Errorf("%w: %v", ErrInvalidResponse, err))
		}
		return res, err
	}

	date, err := time.Parse(domain.DateLayout, sum.Date)
	if err != nil {
		return res, retry.Terminal(fmt.Errorf("%w: date %q is not a calendar date", ErrInvalidResponse, sum.Date))
	}
	if sum.Date != item.Date {
		c.logger.Warn("response date differs from requested date",
			zap.String("item_id", item.ItemID),
			zap.String("requested", item.Date),
			zap.String("returned", sum.Date),
		)
	}

	key := objectstore.PartitionKey(c.prefix, date, item.PostalCode, c.newID())
	meta := map[string]string{
		MetaCollectionTime: c.now().UTC().Format(time.RFC3339),
		MetaSource:         sourceTag,
		MetaItemID:         item.ItemID,
	}
	if _, err := c.objects.Put(ctx, key, sum.Body, contentType, meta); err != nil {
		return res, err
	}
	res.ObjectKey = key
	return res, nil
}
