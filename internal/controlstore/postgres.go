package controlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pranavko12/weathervault/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const pgItemColumns = `item_id, postal_code, country_code, item_date, status, retry_count,
	last_attempt, completed_at, COALESCE(error_message, ''), COALESCE(object_key, ''), available_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) QueueIsEmpty(ctx context.Context) (bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT item_id FROM collection_queue LIMIT 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) CountItems(ctx context.Context) (ItemCounts, error) {
	var c ItemCounts
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'poisoned' THEN 1 ELSE 0 END), 0)
		FROM collection_queue
	`).Scan(&c.Total, &c.Completed, &c.Poisoned)
	return c, err
}

// PutItems inserts items that do not exist yet. Existing rows keep their status.
func (s *PostgresStore) PutItems(ctx context.Context, items []domain.WorkItem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, chunk := range chunks(items, putChunkSize) {
		ids := make([]string, len(chunk))
		postals := make([]string, len(chunk))
		countries := make([]string, len(chunk))
		dates := make([]string, len(chunk))
		for i, it := range chunk {
			ids[i], postals[i], countries[i], dates[i] = it.ItemID, it.PostalCode, it.CountryCode, it.Date
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO collection_queue (item_id, postal_code, country_code, item_date, status)
			SELECT id, postal, country, d, 'pending'
			FROM unnest($1::text[], $2::text[], $3::text[], $4::text[]) AS t(id, postal, country, d)
			ON CONFLICT (item_id) DO NOTHING
		`, ids, postals, countries, dates); err != nil {
			return fmt.Errorf("insert queue chunk: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (domain.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgItemColumns+` FROM collection_queue WHERE item_id = $1`, itemID)
	it, err := scanPgItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WorkItem{}, ErrNotFound
	}
	return it, err
}

func (s *PostgresStore) ListDispatchable(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgItemColumns+`
		FROM collection_queue
		WHERE status IN ('pending', 'failed')
			AND available_at <= $1
		ORDER BY item_date ASC, item_id ASC
		LIMIT $2
	`, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	return collectPgItems(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status domain.ItemStatus, limit int) ([]domain.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgItemColumns+`
		FROM collection_queue
		WHERE status = $1
		ORDER BY item_date ASC, item_id ASC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectPgItems(rows)
}

// AcquireLock inserts the lock row, or takes it over when the holder's lease went stale.
func (s *PostgresStore) AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO collection_locks (lock_name, owner, acquired_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lock_name) DO UPDATE
		SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at
		WHERE collection_locks.acquired_at <= $4
	`, name, owner, now.Unix(), now.Add(-ttl).Unix())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM collection_locks WHERE lock_name = $1 AND owner = $2`, name, owner)
	return err
}

func (s *PostgresStore) InsertProgress(ctx context.Context, rec domain.ProgressRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO collection_progress (
			job_id, total_items, completed_items, remaining_items, poisoned_items,
			daily_calls_limit, daily_calls_used, last_run, status, started_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $10)
		ON CONFLICT (job_id) DO NOTHING
	`, rec.JobID, rec.TotalItems, rec.CompletedItems, rec.RemainingItems, rec.PoisonedItems,
		rec.DailyCallsLimit, rec.DailyCallsUsed, rec.LastRun, string(rec.Status), rec.StartedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetProgress(ctx context.Context, jobID string) (domain.ProgressRecord, error) {
	var rec domain.ProgressRecord
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, total_items, completed_items, remaining_items, poisoned_items,
			daily_calls_limit, daily_calls_used, COALESCE(last_run, ''), status, started_at, updated_at
		FROM collection_progress
		WHERE job_id = $1
	`, jobID).Scan(&rec.JobID, &rec.TotalItems, &rec.CompletedItems, &rec.RemainingItems, &rec.PoisonedItems,
		&rec.DailyCallsLimit, &rec.DailyCallsUsed, &rec.LastRun, &status, &rec.StartedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProgressRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.ProgressRecord{}, err
	}
	rec.Status = domain.JobStatus(status)
	return rec, nil
}

// ResetDailyUsage zeroes the quota once per calendar day: only when last_run is before today.
func (s *PostgresStore) ResetDailyUsage(ctx context.Context, jobID, today string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE collection_progress
		SET daily_calls_used = 0, last_run = $1, updated_at = $2
		WHERE job_id = $3
			AND (last_run IS NULL OR last_run < $1)
	`, today, now, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetJobStatus(ctx context.Context, jobID string, from, to domain.JobStatus, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE collection_progress
		SET status = $1, updated_at = $2
		WHERE job_id = $3 AND status = $4
	`, string(to), now, jobID, string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteItem(ctx context.Context, u CompleteUpdate) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE collection_queue
		SET status = 'completed',
			completed_at = $1,
			last_attempt = $1,
			object_key = $2,
			error_message = NULL
		WHERE item_id = $3
			AND status IN ('pending', 'failed')
	`, u.Now, u.ObjectKey, u.ItemID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE collection_progress
		SET completed_items = completed_items + 1,
			remaining_items = remaining_items - 1,
			daily_calls_used = LEAST(daily_calls_used + $2, daily_calls_limit),
			status = CASE WHEN remaining_items - 1 <= 0 THEN 'completed' ELSE status END,
			updated_at = $1
		WHERE job_id = $3
			AND remaining_items > 0
	`, u.Now, u.CallsSpent, u.JobID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, fmt.Errorf("progress %s: no outstanding items to complete %s", u.JobID, u.ItemID)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) FailItem(ctx context.Context, u FailUpdate) (FailResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FailResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status := failStatus(u.Poison)
	tag, err := tx.Exec(ctx, `
		UPDATE collection_queue
		SET status = $1,
			retry_count = retry_count + 1,
			error_message = $2,
			last_attempt = $3,
			available_at = $4
		WHERE item_id = $5
			AND status IN ('pending', 'failed')
			AND retry_count = $6
	`, string(status), truncateMessage(u.Message), u.Now, u.AvailableAt.Unix(), u.ItemID, u.ExpectedRetryCount)
	if err != nil {
		return FailResult{}, err
	}
	if tag.RowsAffected() != 1 {
		return FailResult{}, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE collection_progress
		SET daily_calls_used = LEAST(daily_calls_used + $1, daily_calls_limit),
			poisoned_items = poisoned_items + $2,
			updated_at = $3
		WHERE job_id = $4
	`, u.CallsSpent, boolToInt(u.Poison), u.Now, u.JobID); err != nil {
		return FailResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FailResult{}, err
	}
	return FailResult{Applied: true, Status: status, RetryCount: u.ExpectedRetryCount + 1}, nil
}

func (s *PostgresStore) ReplayItem(ctx context.Context, jobID, itemID string, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE collection_queue
		SET status = 'failed', retry_count = 0, available_at = $1
		WHERE item_id = $2 AND status = 'poisoned'
	`, now.Unix(), itemID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE collection_progress
		SET poisoned_items = GREATEST(poisoned_items - 1, 0), updated_at = $1
		WHERE job_id = $2
	`, now, jobID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) GetGeocode(ctx context.Context, loc domain.Location) (domain.GeocodeEntry, error) {
	var lat, lon string
	entry := domain.GeocodeEntry{Location: loc}
	err := s.pool.QueryRow(ctx, `
		SELECT latitude::text, longitude::text, name, country, created_at
		FROM geocode_cache
		WHERE postal_code = $1 AND country_code = $2
	`, loc.PostalCode, loc.CountryCode).Scan(&lat, &lon, &entry.Name, &entry.Country, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.GeocodeEntry{}, ErrNotFound
	}
	if err != nil {
		return domain.GeocodeEntry{}, err
	}
	if entry.Latitude, err = decimal.NewFromString(lat); err != nil {
		return domain.GeocodeEntry{}, fmt.Errorf("cached latitude %q: %w", lat, err)
	}
	if entry.Longitude, err = decimal.NewFromString(lon); err != nil {
		return domain.GeocodeEntry{}, fmt.Errorf("cached longitude %q: %w", lon, err)
	}
	return entry, nil
}

func (s *PostgresStore) PutGeocode(ctx context.Context, e domain.GeocodeEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO geocode_cache (postal_code, country_code, latitude, longitude, name, country, created_at)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5, $6, $7)
		ON CONFLICT (postal_code, country_code) DO UPDATE
		SET latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			name = EXCLUDED.name,
			country = EXCLUDED.country
	`, e.PostalCode, e.CountryCode, e.Latitude.String(), e.Longitude.String(), e.Name, e.Country, e.CreatedAt)
	return err
}

func scanPgItem(row pgx.Row) (domain.WorkItem, error) {
	var it domain.WorkItem
	var status string
	var availableAt int64
	err := row.Scan(&it.ItemID, &it.PostalCode, &it.CountryCode, &it.Date, &status, &it.RetryCount,
		&it.LastAttempt, &it.CompletedAt, &it.ErrorMessage, &it.ObjectKey, &availableAt)
	if err != nil {
		return domain.WorkItem{}, err
	}
	it.Status = domain.ItemStatus(status)
	it.AvailableAt = time.Unix(availableAt, 0).UTC()
	return it, nil
}

func collectPgItems(rows pgx.Rows) ([]domain.WorkItem, error) {
	defer rows.Close()
	var items []domain.WorkItem
	for rows.Next() {
		it, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
