// Package store persists the fetch ledger and the dead-letter queue.
package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/itchdl/itch-dl/internal/model"
	"github.com/itchdl/itch-dl/internal/resilience"
)

// FetchFilter specifies criteria for listing ledger rows.
type FetchFilter struct {
	BatchID string            `json:"batch_id,omitempty"`
	Status  model.FetchStatus `json:"status,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Offset  int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for fetch runs.
type Store interface {
	// Ledger
	RecordFetch(ctx context.Context, rec model.FetchRecord) error
	CompletedIndexes(ctx context.Context, batchID string) (map[int]bool, error)
	ListFetches(ctx context.Context, filter FetchFilter) ([]model.FetchRecord, error)
	ResetBatch(ctx context.Context, batchID string) error

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// Open returns the Store for driver, migrated and ready to use.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(driver) {
	case "sqlite", "":
		st, err = NewSQLite(dsn)
	case "postgres", "postgresql":
		st, err = NewPostgres(ctx, dsn, poolCfg)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
