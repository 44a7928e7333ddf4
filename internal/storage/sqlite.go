package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type SQLite struct {
	DB *sql.DB
}

// NewSQLite opens a single-connection SQLite database. One connection keeps ":memory:"
// databases shared across calls and serialises writers the way SQLite wants anyway.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &SQLite{DB: db}, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	return migrate(ctx, s.DB, DialectSQLite)
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}
