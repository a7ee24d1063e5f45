package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itchdl/itch-dl/internal/model"
	"github.com/itchdl/itch-dl/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var fetchColumns = []string{"id", "batch_id", "idx", "url", "destination", "path", "status",
	"reason", "error", "bytes", "attempts", "duration_ms", "created_at", "updated_at"}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS fetches`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordFetch_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO fetches .* ON CONFLICT \(batch_id, idx\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "b1", 2, "https://cdn.example/x.zip", "/games", "/games/x.zip",
			"downloaded", "", "", int64(42), 1, int64(9), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordFetch(context.Background(), model.FetchRecord{
		BatchID:     "b1",
		Index:       2,
		URL:         "https://cdn.example/x.zip",
		Destination: "/games",
		Path:        "/games/x.zip",
		Status:      model.FetchStatusDownloaded,
		Bytes:       42,
		Attempts:    1,
		DurationMs:  9,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompletedIndexes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT idx FROM fetches WHERE batch_id = \$1 AND status IN \(\$2, \$3\)`).
		WithArgs("b1", "downloaded", "skipped").
		WillReturnRows(pgxmock.NewRows([]string{"idx"}).AddRow(0).AddRow(4))

	done, err := s.CompletedIndexes(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true, 4: true}, done)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListFetches_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM fetches WHERE 1=1 AND batch_id = \$1 AND status = \$2 ORDER BY updated_at DESC, idx ASC LIMIT \$3 OFFSET \$4`).
		WithArgs("b1", "failed", 5, 10).
		WillReturnRows(pgxmock.NewRows(fetchColumns).
			AddRow("id1", "b1", 3, "https://x", "", "", "failed", "size_mismatch", "short", int64(800), 3, int64(50), now, now))

	recs, err := s.ListFetches(context.Background(), FetchFilter{
		BatchID: "b1", Status: model.FetchStatusFailed, Limit: 5, Offset: 10,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.FetchStatusFailed, recs[0].Status)
	assert.Equal(t, "size_mismatch", recs[0].Reason)
	assert.Equal(t, 3, recs[0].Index)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListFetches_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM fetches WHERE 1=1 ORDER BY updated_at DESC, idx ASC LIMIT \$1`).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows(fetchColumns))

	recs, err := s.ListFetches(context.Background(), FetchFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetBatch_Tx(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM fetches WHERE batch_id = \$1`).
		WithArgs("b1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM dead_letter_queue WHERE batch_id = \$1`).
		WithArgs("b1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ResetBatch(context.Background(), "b1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetBatch_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM fetches`).
		WithArgs("b1").
		WillReturnError(errors.New("locked"))
	mock.ExpectRollback()

	err := s.ResetBatch(context.Background(), "b1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reset batch b1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	entry := resilience.NewDLQEntry("b1", 1, "https://x", "/d", false, "io_failure", nil, false, 3)

	mock.ExpectExec(`INSERT INTO dead_letter_queue .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs(entry.ID, "b1", 1, "https://x", "/d", false, "io_failure", "", "permanent", 0, 3,
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.EnqueueDLQ(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM dead_letter_queue\s+WHERE retry_count < max_retries AND error_type = \$1 ORDER BY created_at ASC, idx ASC LIMIT \$2`).
		WithArgs("transient", 100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "batch_id", "idx", "url", "destination", "slug",
			"reason", "error", "error_type", "retry_count", "max_retries", "created_at", "last_failed_at"}).
			AddRow("d1", "b1", 2, "https://x", "", true, "size_mismatch", "short", "transient", 1, 3, now, now))

	entries, err := s.ListDLQ(context.Background(), resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "d1", entries[0].ID)
	assert.True(t, entries[0].Slug)
	assert.True(t, entries[0].CanRetry())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementDLQRetry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE dead_letter_queue`).
		WithArgs("boom", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.IncrementDLQRetry(context.Background(), "missing", "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlq_entry not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM dead_letter_queue`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM dead_letter_queue WHERE id = \$1`).
		WithArgs("d1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.RemoveDLQ(context.Background(), "d1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
