package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/itchdl/itch-dl/internal/model"
	"github.com/itchdl/itch-dl/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS fetches (
	id          TEXT PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	url         TEXT NOT NULL,
	destination TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	bytes       INTEGER NOT NULL DEFAULT 0,
	attempts    INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (batch_id, idx)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	batch_id       TEXT NOT NULL,
	idx            INTEGER NOT NULL,
	url            TEXT NOT NULL,
	destination    TEXT NOT NULL DEFAULT '',
	slug           INTEGER NOT NULL DEFAULT 0,
	reason         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_fetches_batch ON fetches(batch_id);
CREATE INDEX IF NOT EXISTS idx_fetches_status ON fetches(status);
CREATE INDEX IF NOT EXISTS idx_dlq_batch ON dead_letter_queue(batch_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordFetch inserts rec or replaces the row for the same (batch, index).
func (s *SQLiteStore) RecordFetch(ctx context.Context, rec model.FetchRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetches
		 (id, batch_id, idx, url, destination, path, status, reason, error, bytes, attempts, duration_ms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (batch_id, idx) DO UPDATE SET
		   url = excluded.url, destination = excluded.destination, path = excluded.path,
		   status = excluded.status, reason = excluded.reason, error = excluded.error,
		   bytes = excluded.bytes, attempts = fetches.attempts + excluded.attempts,
		   duration_ms = excluded.duration_ms, updated_at = excluded.updated_at`,
		rec.ID, rec.BatchID, rec.Index, rec.URL, rec.Destination, rec.Path,
		string(rec.Status), rec.Reason, rec.Error, rec.Bytes, rec.Attempts, rec.DurationMs,
		rec.CreatedAt, now,
	)
	return eris.Wrapf(err, "sqlite: record fetch %s#%d", rec.BatchID, rec.Index)
}

func (s *SQLiteStore) CompletedIndexes(ctx context.Context, batchID string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx FROM fetches WHERE batch_id = ? AND status IN (?, ?)`,
		batchID, string(model.FetchStatusDownloaded), string(model.FetchStatusSkipped),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: completed indexes")
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan index")
		}
		done[idx] = true
	}
	return done, eris.Wrap(rows.Err(), "sqlite: completed indexes iterate")
}

func (s *SQLiteStore) ListFetches(ctx context.Context, filter FetchFilter) ([]model.FetchRecord, error) {
	query := `SELECT id, batch_id, idx, url, destination, path, status, reason, error, bytes, attempts, duration_ms, created_at, updated_at
	          FROM fetches WHERE 1=1`
	var args []any

	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC, idx ASC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list fetches")
	}
	defer rows.Close()

	var recs []model.FetchRecord
	for rows.Next() {
		var r model.FetchRecord
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Index, &r.URL, &r.Destination, &r.Path,
			&r.Status, &r.Reason, &r.Error, &r.Bytes, &r.Attempts, &r.DurationMs,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fetch")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list fetches iterate")
}

// ResetBatch clears the ledger and dead letters of a batch in one transaction.
func (s *SQLiteStore) ResetBatch(ctx context.Context, batchID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin reset")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM fetches WHERE batch_id = ?`, batchID); err != nil {
		return eris.Wrapf(err, "sqlite: reset batch %s", batchID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE batch_id = ?`, batchID); err != nil {
		return eris.Wrapf(err, "sqlite: reset batch dlq %s", batchID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit reset")
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, batch_id, idx, url, destination, slug, reason, error, error_type, retry_count, max_retries, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   reason = excluded.reason, error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.BatchID, entry.Index, entry.URL, entry.Destination, entry.Slug,
		entry.Reason, entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

// ListDLQ returns entries that still have retries left, oldest first.
func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, batch_id, idx, url, destination, slug, reason, error, error_type, retry_count, max_retries, created_at, last_failed_at
	          FROM dead_letter_queue WHERE retry_count < max_retries`
	var args []any

	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at ASC, idx ASC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Index, &e.URL, &e.Destination, &e.Slug,
			&e.Reason, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
