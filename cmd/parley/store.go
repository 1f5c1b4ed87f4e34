package main

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/config"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/server"
	"github.com/gosuda/parley/internal/store/memory"
	"github.com/gosuda/parley/internal/store/postgres"
)

// appStore is the storage surface the process wires together.
type appStore interface {
	server.Store
	Approvals() domain.ApprovalRepository
	Close()
}

func openStore(ctx context.Context, cfg *config.Config) (appStore, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn().Msg("parley: using in-memory store, nothing survives a restart")
		return memory.New(), nil
	}
	st, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}
	st, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return nil, err
	}
	return st, nil
}
