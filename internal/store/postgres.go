package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/itchdl/itch-dl/internal/db"
	"github.com/itchdl/itch-dl/internal/model"
	"github.com/itchdl/itch-dl/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS fetches (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	batch_id    TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	url         TEXT NOT NULL,
	destination TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	bytes       BIGINT NOT NULL DEFAULT 0,
	attempts    INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (batch_id, idx)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	batch_id       TEXT NOT NULL,
	idx            INTEGER NOT NULL,
	url            TEXT NOT NULL,
	destination    TEXT NOT NULL DEFAULT '',
	slug           BOOLEAN NOT NULL DEFAULT false,
	reason         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_fetches_batch ON fetches(batch_id);
CREATE INDEX IF NOT EXISTS idx_fetches_status ON fetches(status);
CREATE INDEX IF NOT EXISTS idx_dlq_batch ON dead_letter_queue(batch_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// RecordFetch inserts rec or replaces the row for the same (batch, index).
func (s *PostgresStore) RecordFetch(ctx context.Context, rec model.FetchRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO fetches
		 (id, batch_id, idx, url, destination, path, status, reason, error, bytes, attempts, duration_ms, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (batch_id, idx) DO UPDATE SET
		   url = EXCLUDED.url, destination = EXCLUDED.destination, path = EXCLUDED.path,
		   status = EXCLUDED.status, reason = EXCLUDED.reason, error = EXCLUDED.error,
		   bytes = EXCLUDED.bytes, attempts = fetches.attempts + EXCLUDED.attempts,
		   duration_ms = EXCLUDED.duration_ms, updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.BatchID, rec.Index, rec.URL, rec.Destination, rec.Path,
		string(rec.Status), rec.Reason, rec.Error, rec.Bytes, rec.Attempts, rec.DurationMs,
		rec.CreatedAt, now,
	)
	return eris.Wrapf(err, "postgres: record fetch %s#%d", rec.BatchID, rec.Index)
}

func (s *PostgresStore) CompletedIndexes(ctx context.Context, batchID string) (map[int]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx FROM fetches WHERE batch_id = $1 AND status IN ($2, $3)`,
		batchID, string(model.FetchStatusDownloaded), string(model.FetchStatusSkipped),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: completed indexes")
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, eris.Wrap(err, "postgres: scan index")
		}
		done[idx] = true
	}
	return done, eris.Wrap(rows.Err(), "postgres: completed indexes iterate")
}

func (s *PostgresStore) ListFetches(ctx context.Context, filter FetchFilter) ([]model.FetchRecord, error) {
	query := `SELECT id, batch_id, idx, url, destination, path, status, reason, error, bytes, attempts, duration_ms, created_at, updated_at
	          FROM fetches WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC, idx ASC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list fetches")
	}
	defer rows.Close()

	var recs []model.FetchRecord
	for rows.Next() {
		var r model.FetchRecord
		var status string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Index, &r.URL, &r.Destination, &r.Path,
			&status, &r.Reason, &r.Error, &r.Bytes, &r.Attempts, &r.DurationMs,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fetch")
		}
		r.Status = model.FetchStatus(status)
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list fetches iterate")
}

// ResetBatch clears the ledger and dead letters of a batch in one transaction.
func (s *PostgresStore) ResetBatch(ctx context.Context, batchID string) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM fetches WHERE batch_id = $1`, batchID); err != nil {
			return eris.Wrapf(err, "postgres: reset batch %s", batchID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM dead_letter_queue WHERE batch_id = $1`, batchID); err != nil {
			return eris.Wrapf(err, "postgres: reset batch dlq %s", batchID)
		}
		return nil
	})
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, batch_id, idx, url, destination, slug, reason, error, error_type, retry_count, max_retries, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   reason = $7, error = $8, error_type = $9, retry_count = $10, last_failed_at = $13`,
		entry.ID, entry.BatchID, entry.Index, entry.URL, entry.Destination, entry.Slug,
		entry.Reason, entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

// ListDLQ returns entries that still have retries left, oldest first.
func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, batch_id, idx, url, destination, slug, reason, error, error_type, retry_count, max_retries, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, idx ASC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Index, &e.URL, &e.Destination, &e.Slug,
			&e.Reason, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, error = $1, last_failed_at = now()
		 WHERE id = $2`,
		lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
