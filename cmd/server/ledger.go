package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alkem-io/login-guard/internal/config"
	"github.com/alkem-io/login-guard/internal/ledger"
	"github.com/alkem-io/login-guard/internal/ledger/memory"
	"github.com/alkem-io/login-guard/internal/ledger/pgstore"
	"github.com/alkem-io/login-guard/internal/ledger/redisstore"
	"github.com/alkem-io/login-guard/internal/ledger/sqlitestore"
)

// openLedger opens the failure ledger selected by LEDGER_BACKEND.
func openLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger.Store, error) {
	switch cfg.LedgerBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory ledger; failure counts are lost on restart and not shared between replicas")
		return memory.New(), nil

	case config.BackendRedis:
		// Keys outlive the expiry window so lazy expiry still sees stale records.
		store, err := redisstore.New(cfg.RedisURL, redisstore.WithRetention(2*cfg.ExpireTime()))
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			logger.Warn("redis ledger not reachable at startup", zap.Error(err))
		}
		return store, nil

	case config.BackendPostgres:
		store, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
}
