// Package reconcile repairs queue state from the object store: every raw response that
// exists proves its item was collected, even if the outcome never reached the tracker.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/collector"
	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/objectstore"
)

type ObjectStore interface {
	List(ctx context.Context, prefix, ext string) ([]string, error)
	Stat(ctx context.Context, key string) (map[string]string, error)
}

type Tracker interface {
	MarkReconciled(ctx context.Context, itemID, objectKey string) (bool, error)
}

type Report struct {
	Objects   int
	Completed int
	Settled   int
	Unmatched int
	// Ambiguous counts objects without item metadata whose postal code is configured for
	// more than one country. They are left alone.
	Ambiguous int
}

type Reconciler struct {
	objects   ObjectStore
	tracker   Tracker
	rawPrefix string
	countries map[string][]string
	logger    *zap.Logger
}

// New builds a reconciler. locations supplies the country for objects written without
// item metadata, whose keys only carry the postal code.
func New(objects ObjectStore, tracker Tracker, rawPrefix string, locations []domain.Location, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	countries := make(map[string][]string)
	for _, loc := range locations {
		countries[loc.PostalCode] = append(countries[loc.PostalCode], loc.CountryCode)
	}
	return &Reconciler{
		objects:   objects,
		tracker:   tracker,
		rawPrefix: strings.TrimSuffix(rawPrefix, "/") + "/",
		countries: countries,
		logger:    logger,
	}
}

func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var rep Report

	keys, err := r.objects.List(ctx, r.rawPrefix, ".json")
	if errors.Is(err, objectstore.ErrNoObjects) {
		r.logger.Info("no raw objects to reconcile", zap.String("prefix", r.rawPrefix))
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	rep.Objects = len(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		ids, err := r.candidates(ctx, key)
		if err != nil {
			return rep, err
		}
		switch {
		case len(ids) == 0:
			rep.Unmatched++
			r.logger.Warn("raw object matches no configured location", zap.String("key", key))
			continue
		case len(ids) > 1:
			rep.Ambiguous++
			r.logger.Warn("raw object matches several configured locations, skipping",
				zap.String("key", key),
				zap.Strings("candidates", ids),
			)
			continue
		}
		applied, err := r.tracker.MarkReconciled(ctx, ids[0], key)
		if err != nil {
			return rep, fmt.Errorf("reconcile %s: %w", key, err)
		}
		if applied {
			rep.Completed++
		} else {
			rep.Settled++
		}
	}

	r.logger.Info("reconcile finished",
		zap.Int("objects", rep.Objects),
		zap.Int("completed", rep.Completed),
		zap.Int("settled", rep.Settled),
		zap.Int("unmatched", rep.Unmatched),
		zap.Int("ambiguous", rep.Ambiguous),
	)
	return rep, nil
}

// candidates returns the item ids an object may belong to: the id recorded in its
// metadata when present, otherwise one per configured country for the key's postal code.
// The key alone cannot tell those countries apart.
func (r *Reconciler) candidates(ctx context.Context, key string) ([]string, error) {
	meta, err := r.objects.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if id := meta[collector.MetaItemID]; id != "" {
		if _, _, err := domain.ParseItemID(id); err == nil {
			return []string{id}, nil
		}
		r.logger.Warn("ignoring malformed item metadata", zap.String("key", key), zap.String("item_id", id))
	}

	postal, date, ok := ParseKey(key)
	if !ok {
		return nil, nil
	}
	var ids []string
	for _, country := range r.countries[postal] {
		ids = append(ids, domain.ItemID(postal, country, date))
	}
	return ids, nil
}

// ParseKey extracts the postal code and date from a partitioned raw object key.
func ParseKey(key string) (postal, date string, ok bool) {
	var year, month, day string
	for _, seg := range strings.Split(key, "/") {
		name, value, found := strings.Cut(seg, "=")
		if !found {
			continue
		}
		switch name {
		case "year":
			year = value
		case "month":
			month = value
		case "day":
			day = value
		case "zipcode":
			postal = value
		}
	}
	if postal == "" || year == "" || month == "" || day == "" {
		return "", "", false
	}
	t, err := time.Parse(domain.DateLayout, year+"-"+month+"-"+day)
	if err != nil {
		return "", "", false
	}
	return postal, t.Format(domain.DateLayout), true
}
