package controlstore

import (
	"context"
	"fmt"

	"github.com/pranavko12/weathervault/internal/config"
	"github.com/pranavko12/weathervault/internal/storage"
)

// Open connects the configured driver and, when migrate is set, applies pending
// migrations first. Every call on the returned store is bounded by HTTP_TIMEOUT. The
// returned func closes the underlying connections.
func Open(ctx context.Context, cfg config.Config, migrate bool) (Store, func(), error) {
	store, closeFn, err := open(ctx, cfg, migrate)
	if err != nil {
		return nil, nil, err
	}
	return WithTimeout(store, cfg.HTTPTimeout), closeFn, nil
}

func open(ctx context.Context, cfg config.Config, migrate bool) (Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := storage.NewPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres init: %w", err)
		}
		if migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, nil, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		return NewPostgresStore(pg.Pool), pg.Close, nil
	case "sqlite":
		lite, err := storage.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := lite.Migrate(ctx); err != nil {
				_ = lite.Close()
				return nil, nil, fmt.Errorf("sqlite migrate: %w", err)
			}
		}
		return NewSQLiteStore(lite.DB), func() { _ = lite.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
