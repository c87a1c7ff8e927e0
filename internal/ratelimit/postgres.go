package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps rate-limit windows in a shared Postgres table so all
// request-serving processes draw from one budget.
//
// Expected schema:
//
//	CREATE TABLE rate_limits (
//		key      TEXT PRIMARY KEY,
//		count    INTEGER NOT NULL,
//		reset_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool rowQuerier
}

// PostgresStoreConfig controls the connection pool.
type PostgresStoreConfig struct {
	DSN      string
	MaxConns int32
}

// NewPostgresStore connects a shared counter store.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ratelimit store dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse ratelimit dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect ratelimit store: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool rowQuerier) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

const incrQuery = `
INSERT INTO rate_limits (key, count, reset_at)
VALUES ($1, 1, now() + make_interval(secs => $2))
ON CONFLICT (key) DO UPDATE SET
	count = CASE
		WHEN rate_limits.reset_at <= now() THEN 1
		ELSE rate_limits.count + 1
	END,
	reset_at = CASE
		WHEN rate_limits.reset_at <= now() THEN now() + make_interval(secs => $2)
		ELSE rate_limits.reset_at
	END
RETURNING count, reset_at`

// Incr implements Store with a single upsert round trip. Window expiry is
// judged against the database clock so every process agrees on boundaries.
func (s *PostgresStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	if s == nil || s.pool == nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit store is not configured")
	}
	var (
		count   int
		resetAt time.Time
	)
	err := s.pool.QueryRow(ctx, incrQuery, key, window.Seconds()).Scan(&count, &resetAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment rate limit %q: %w", key, err)
	}
	return count, resetAt, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
