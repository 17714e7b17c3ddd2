// Package app assembles the pieces shared by the API server and the
// maintenance CLI from a loaded config.
package app

import (
	"context"
	"fmt"
	"time"

	"simtrade/internal/config"
	"simtrade/internal/db"
	"simtrade/internal/events"
	"simtrade/internal/logging"
	"simtrade/internal/marketdata"
	"simtrade/internal/store"
	"simtrade/internal/store/memory"
	"simtrade/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func Logger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAge,
	})
}

// Storage is an opened store plus the pool behind it, nil for memory.
type Storage struct {
	Store store.Store
	Pool  *pgxpool.Pool
}

// OpenStore connects the configured driver. With migrate set the schema
// is applied before the store is returned.
func OpenStore(ctx context.Context, cfg config.Config, migrate bool, log *zap.Logger) (Storage, error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn("using in-memory store; state is lost on exit")
		return Storage{Store: memory.New()}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return Storage{}, err
	}
	if migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return Storage{}, err
		}
	}
	policy := store.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.DBTxMaxAttempts
	return Storage{Store: postgres.New(pool, policy, log), Pool: pool}, nil
}

// SnapshotSource prefers the Redis quote hash when configured and falls
// back to the file cache.
func SnapshotSource(cfg config.Config) (marketdata.Source, *marketdata.FileSource, func()) {
	file := marketdata.NewFileSource(cfg.SnapshotFile, cfg.TradeLocation)
	if cfg.RedisAddr == "" {
		return file, file, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	chain := marketdata.Chain{marketdata.NewRedisSource(client, cfg.RedisQuotesKey), file}
	return chain, file, func() { _ = client.Close() }
}

// LoadSnapshots fetches once into a fresh store, for one-shot commands.
func LoadSnapshots(ctx context.Context, cfg config.Config) (*marketdata.SnapshotStore, error) {
	src, _, closeFn := SnapshotSource(cfg)
	defer closeFn()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	snaps, err := src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	s := marketdata.NewSnapshotStore()
	s.Replace(snaps, time.Now())
	return s, nil
}

func Events(cfg config.Config, log *zap.Logger) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return events.Noop{}
	}
	return events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, log)
}
