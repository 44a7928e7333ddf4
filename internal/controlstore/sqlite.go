package controlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pranavko12/weathervault/internal/domain"
)

// SQLiteStore backs local runs and tests. It mirrors PostgresStore statement for statement.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteItemColumns = `item_id, postal_code, country_code, item_date, status, retry_count,
	last_attempt, completed_at, COALESCE(error_message, ''), COALESCE(object_key, ''), available_at`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) QueueIsEmpty(ctx context.Context) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT item_id FROM collection_queue LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) CountItems(ctx context.Context) (ItemCounts, error) {
	var c ItemCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'poisoned' THEN 1 ELSE 0 END), 0)
		FROM collection_queue
	`).Scan(&c.Total, &c.Completed, &c.Poisoned)
	return c, err
}

func (s *SQLiteStore) PutItems(ctx context.Context, items []domain.WorkItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO collection_queue (item_id, postal_code, country_code, item_date, status)
		VALUES (?, ?, ?, ?, 'pending')
		ON CONFLICT (item_id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ItemID, it.PostalCode, it.CountryCode, it.Date); err != nil {
			return fmt.Errorf("insert item %s: %w", it.ItemID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (domain.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteItemColumns+` FROM collection_queue WHERE item_id = ?`, itemID)
	it, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkItem{}, ErrNotFound
	}
	return it, err
}

func (s *SQLiteStore) ListDispatchable(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteItemColumns+`
		FROM collection_queue
		WHERE status IN ('pending', 'failed')
			AND available_at <= ?
		ORDER BY item_date ASC, item_id ASC
		LIMIT ?
	`, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteItems(rows)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status domain.ItemStatus, limit int) ([]domain.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteItemColumns+`
		FROM collection_queue
		WHERE status = ?
		ORDER BY item_date ASC, item_id ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteItems(rows)
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_locks (lock_name, owner, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT (lock_name) DO UPDATE
		SET owner = excluded.owner, acquired_at = excluded.acquired_at
		WHERE collection_locks.acquired_at <= ?
	`, name, owner, now.Unix(), now.Add(-ttl).Unix())
	return affectedOne(res, err)
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM collection_locks WHERE lock_name = ? AND owner = ?`, name, owner)
	return err
}

func (s *SQLiteStore) InsertProgress(ctx context.Context, rec domain.ProgressRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_progress (
			job_id, total_items, completed_items, remaining_items, poisoned_items,
			daily_calls_limit, daily_calls_used, last_run, status, started_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`, rec.JobID, rec.TotalItems, rec.CompletedItems, rec.RemainingItems, rec.PoisonedItems,
		rec.DailyCallsLimit, rec.DailyCallsUsed, rec.LastRun, string(rec.Status), rec.StartedAt, rec.StartedAt)
	return affectedOne(res, err)
}

func (s *SQLiteStore) GetProgress(ctx context.Context, jobID string) (domain.ProgressRecord, error) {
	var rec domain.ProgressRecord
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, total_items, completed_items, remaining_items, poisoned_items,
			daily_calls_limit, daily_calls_used, COALESCE(last_run, ''), status, started_at, updated_at
		FROM collection_progress
		WHERE job_id = ?
	`, jobID).Scan(&rec.JobID, &rec.TotalItems, &rec.CompletedItems, &rec.RemainingItems, &rec.PoisonedItems,
		&rec.DailyCallsLimit, &rec.DailyCallsUsed, &rec.LastRun, &status, &rec.StartedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProgressRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.ProgressRecord{}, err
	}
	rec.Status = domain.JobStatus(status)
	return rec, nil
}

func (s *SQLiteStore) ResetDailyUsage(ctx context.Context, jobID, today string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collection_progress
		SET daily_calls_used = 0, last_run = ?, updated_at = ?
		WHERE job_id = ?
			AND (last_run IS NULL OR last_run < ?)
	`, today, now, jobID, today)
	return affectedOne(res, err)
}

func (s *SQLiteStore) SetJobStatus(ctx context.Context, jobID string, from, to domain.JobStatus, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collection_progress
		SET status = ?, updated_at = ?
		WHERE job_id = ? AND status = ?
	`, string(to), now, jobID, string(from))
	return affectedOne(res, err)
}

func (s *SQLiteStore) CompleteItem(ctx context.Context, u CompleteUpdate) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := affectedOne(tx.ExecContext(ctx, `
		UPDATE collection_queue
		SET status = 'completed',
			completed_at = ?,
			last_attempt = ?,
			object_key = ?,
			error_message = NULL
		WHERE item_id = ?
			AND status IN ('pending', 'failed')
	`, u.Now, u.Now, u.ObjectKey, u.ItemID))
	if err != nil || !ok {
		return false, err
	}

	ok, err = affectedOne(tx.ExecContext(ctx, `
		UPDATE collection_progress
		SET completed_items = completed_items + 1,
			remaining_items = remaining_items - 1,
			daily_calls_used = MIN(daily_calls_used + ?, daily_calls_limit),
			status = CASE WHEN remaining_items - 1 <= 0 THEN 'completed' ELSE status END,
			updated_at = ?
		WHERE job_id = ?
			AND remaining_items > 0
	`, u.CallsSpent, u.Now, u.JobID))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("progress %s: no outstanding items to complete %s", u.JobID, u.ItemID)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) FailItem(ctx context.Context, u FailUpdate) (FailResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	status := failStatus(u.Poison)
	ok, err := affectedOne(tx.ExecContext(ctx, `
		UPDATE collection_queue
		SET status = ?,
			retry_count = retry_count + 1,
			error_message = ?,
			last_attempt = ?,
			available_at = ?
		WHERE item_id = ?
			AND status IN ('pending', 'failed')
			AND retry_count = ?
	`, string(status), truncateMessage(u.Message), u.Now, u.AvailableAt.Unix(), u.ItemID, u.ExpectedRetryCount))
	if err != nil || !ok {
		return FailResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE collection_progress
		SET daily_calls_used = MIN(daily_calls_used + ?, daily_calls_limit),
			poisoned_items = poisoned_items + ?,
			updated_at = ?
		WHERE job_id = ?
	`, u.CallsSpent, boolToInt(u.Poison), u.Now, u.JobID); err != nil {
		return FailResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return FailResult{}, err
	}
	return FailResult{Applied: true, Status: status, RetryCount: u.ExpectedRetryCount + 1}, nil
}

func (s *SQLiteStore) ReplayItem(ctx context.Context, jobID, itemID string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := affectedOne(tx.ExecContext(ctx, `
		UPDATE collection_queue
		SET status = 'failed', retry_count = 0, available_at = ?
		WHERE item_id = ? AND status = 'poisoned'
	`, now.Unix(), itemID))
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE collection_progress
		SET poisoned_items = MAX(poisoned_items - 1, 0), updated_at = ?
		WHERE job_id = ?
	`, now, jobID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) GetGeocode(ctx context.Context, loc domain.Location) (domain.GeocodeEntry, error) {
	var lat, lon string
	entry := domain.GeocodeEntry{Location: loc}
	err := s.db.QueryRowContext(ctx, `
		SELECT latitude, longitude, name, country, created_at
		FROM geocode_cache
		WHERE postal_code = ? AND country_code = ?
	`, loc.PostalCode, loc.CountryCode).Scan(&lat, &lon, &entry.Name, &entry.Country, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) PutGeocode(ctx context.Context, e domain.GeocodeEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geocode_cache (postal_code, country_code, latitude, longitude, name, country, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (postal_code, country_code) DO UPDATE
		SET latitude = excluded.latitude,
			longitude = excluded.longitude,
			name = excluded.name,
			country = excluded.country
	`, e.PostalCode, e.CountryCode, e.Latitude.String(), e.Longitude.String(), e.Name, e.Country, e.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row rowScanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var status string
	var lastAttempt, completedAt sql.NullTime
	var availableAt int64
	err := row.Scan(&it.ItemID, &it.PostalCode, &it.CountryCode, &it.Date, &status, &it.RetryCount,
		&lastAttempt, &completedAt, &it.ErrorMessage, &it.ObjectKey, &availableAt)
	if err != nil {
		return domain.WorkItem{}, err
	}
	it.Status = domain.ItemStatus(status)
	it.AvailableAt = time.Unix(availableAt, 0).UTC()
	if lastAttempt.Valid {
		t := lastAttempt.Time
		it.LastAttempt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		it.CompletedAt = &t
	}
	return it, nil
}

func collectSQLiteItems(rows *sql.Rows) ([]domain.WorkItem, error) {
	defer rows.Close()
	var items []domain.WorkItem
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
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

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
