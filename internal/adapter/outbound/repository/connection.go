package repository

import (
	"context"
	"errors"
	"fmt"
	"imgvec/internal/config"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const pingTimeout = 5 * time.Second

// NewConnection creates a connection pool and verifies it with a ping.
func NewConnection(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.Host == "" {
		return nil, errors.New("database host is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.Schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	} else {
		poolConfig.MaxConns = 10
	}
	if cfg.MinConnections > 0 {
		poolConfig.MinConns = int32(cfg.MinConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, WrapError(err, "ping database")
	}
	return pool, nil
}

// PoolStats is a snapshot of pool usage, logged by long-running commands.
type PoolStats struct {
	TotalConnections  int32
	ActiveConnections int32
	IdleConnections   int32
}

// Stats reads the current pool usage. A nil pool yields zero stats.
func Stats(pool *pgxpool.Pool) PoolStats {
	if pool == nil {
		return PoolStats{}
	}
	s := pool.Stat()
	return PoolStats{
		TotalConnections:  s.TotalConns(),
		ActiveConnections: s.AcquiredConns(),
		IdleConnections:   s.IdleConns(),
	}
}
