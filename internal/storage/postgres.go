package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/pranavko12/weathervault/internal/config"
)

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg config.Config) (*Postgres, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	pgCfg.MaxConns = 10
	pgCfg.MinConns = 2
	pgCfg.MaxConnLifetime = 30 * time.Minute
	pgCfg.ConnConfig.ConnectTimeout = cfg.HTTPTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, err
	}

	return &Postgres{Pool: pool}, nil
}

// DB exposes the pool through database/sql for tooling that needs it.
func (p *Postgres) DB() *sql.DB {
	return stdlib.OpenDBFromPool(p.Pool)
}

func (p *Postgres) Migrate(ctx context.Context) error {
	db := p.DB()
	defer db.Close()
	return migrate(ctx, db, DialectPostgres)
}

func (p *Postgres) Close() {
	p.Pool.Close()
}
