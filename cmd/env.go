package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/itchdl/itch-dl/internal/batch"
	"github.com/itchdl/itch-dl/internal/config"
	"github.com/itchdl/itch-dl/internal/fetcher"
	"github.com/itchdl/itch-dl/internal/resilience"
	"github.com/itchdl/itch-dl/internal/store"
)

// appEnv holds the shared dependencies of the store-backed commands.
type appEnv struct {
	Engine   *fetcher.Engine
	Store    store.Store
	Breakers *resilience.HostBreakers
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initEnv(ctx context.Context) (*appEnv, error) {
	eng, err := fetcher.NewEngine(engineOptions(cfg.Fetch))
	if err != nil {
		return nil, eris.Wrap(err, "init engine")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	return &appEnv{
		Engine:   eng,
		Store:    st,
		Breakers: batch.NewBreakers(cfg.Batch.BreakerThreshold, cfg.Batch.BreakerResetSecs),
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	return st, nil
}

func engineOptions(c config.FetchConfig) fetcher.EngineOptions {
	return fetcher.EngineOptions{
		UserAgent:         c.UserAgent,
		Timeout:           time.Duration(c.TimeoutSecs) * time.Second,
		InactivityTimeout: time.Duration(c.InactivityTimeoutSecs) * time.Second,
		ChunkSize:         c.ChunkSize,
		SignedPrefixes:    c.SignedPrefixes,
		RatePerHost:       rate.Limit(c.RatePerHost),
		RateBurst:         c.RateBurst,
		FTPTimeout:        time.Duration(c.FTPTimeoutSecs) * time.Second,
	}
}

func fetchOptions(c config.FetchConfig) fetcher.Options {
	return fetcher.Options{
		SkipIfIdentical: c.SkipIfIdentical,
		ArchiveExisting: c.ArchiveExisting,
		Verbose:         c.Verbose,
	}
}
