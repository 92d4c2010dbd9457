package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tunaaoguzhann/qr-login/core"
	"github.com/tunaaoguzhann/qr-login/internal/config"
	"github.com/tunaaoguzhann/qr-login/internal/database"
)

type backend struct {
	store   core.Store
	limiter core.RateLimiter
	close   func()
}

// buildBackend picks the token store and the rate limiter. Redis backs the
// limiter whenever an address is configured, even with a SQL store.
func buildBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*backend, error) {
	b := &backend{close: func() {}}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		b.close = func() { _ = rdb.Close() }
		b.limiter = core.NewRedisRateLimiter(rdb, cfg.RedisPrefix+"rate:")
	} else {
		b.limiter = core.NewMemoryRateLimiter()
	}

	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis backend needs storage.redis_addr")
		}
		b.store = core.NewRedisStore(rdb, cfg.RedisPrefix, cfg.RedisTTL)
		logger.Info("using redis token store", slog.String("addr", cfg.RedisAddr))
	case "sql":
		db, err := database.Open(cfg)
		if err != nil {
			b.close()
			return nil, err
		}
		store := core.NewSQLStore(db)
		if err := store.Migrate(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("migrate token table: %w", err)
		}
		closeRedis := b.close
		b.close = func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
			closeRedis()
		}
		b.store = store
		logger.Info("using sql token store", slog.String("driver", cfg.Driver))
	default:
		b.store = core.NewMemoryStore()
		logger.Info("using in-memory token store")
	}
	return b, nil
}
