package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/wombat/internal/config"
)

const (
	spareConns   = 5
	defaultConns = 25
)

// PoolSize returns the connection limit for the given sync concurrency.
// Every account synced in parallel holds a connection for its thread writes,
// and spareConns stay free for reads that run alongside.
func PoolSize(syncConcurrency int) int32 {
	return int32(max(defaultConns, syncConcurrency+spareConns))
}

// NewConnection opens the pool and pings it. The pool is sized by PoolSize
// from cfg.SyncConcurrency.
func NewConnection(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = PoolSize(cfg.SyncConcurrency)
	poolConfig.MinConns = spareConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// CloseConnection closes the pool. A nil pool is ignored.
func CloseConnection(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}
