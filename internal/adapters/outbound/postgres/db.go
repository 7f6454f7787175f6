// Package postgres provides PostgreSQL adapters for slot ingestion.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/stl/stl-slots/internal/pkg/env"
)

// PoolConfig sizes the connection pool behind a SlotStore.
//
// Checkpoint advancement is single-writer: one transaction at a time holds a
// connection while a gap is reconciled. The remaining connections serve
// non-finalized upserts and checkpoint reads, so the pool stays small.
type PoolConfig struct {
	// URL is the PostgreSQL connection string.
	URL string

	// ApplicationName is reported to the server as application_name.
	ApplicationName string

	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// PoolConfigDefaults returns the pool settings for one slot writer.
func PoolConfigDefaults(url string) PoolConfig {
	return PoolConfig{
		URL:               url,
		ApplicationName:   "stl-slots",
		MaxConns:          4,
		MinConns:          1,
		MaxConnLifetime:   30 * time.Minute,
		MaxConnIdleTime:   5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
	}
}

// PoolConfigFromEnv starts from PoolConfigDefaults and applies DB_MAX_CONNS,
// DB_MIN_CONNS, DB_MAX_CONN_LIFETIME and DB_MAX_CONN_IDLE_TIME.
func PoolConfigFromEnv(url string) (PoolConfig, error) {
	cfg := PoolConfigDefaults(url)

	maxConns, err := getInt32("DB_MAX_CONNS", cfg.MaxConns)
	if err != nil {
		return PoolConfig{}, err
	}
	minConns, err := getInt32("DB_MIN_CONNS", cfg.MinConns)
	if err != nil {
		return PoolConfig{}, err
	}
	lifetime, err := env.GetDuration("DB_MAX_CONN_LIFETIME", cfg.MaxConnLifetime)
	if err != nil {
		return PoolConfig{}, err
	}
	idle, err := env.GetDuration("DB_MAX_CONN_IDLE_TIME", cfg.MaxConnIdleTime)
	if err != nil {
		return PoolConfig{}, err
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = lifetime
	cfg.MaxConnIdleTime = idle
	cfg.ApplicationName = env.Get("DB_APPLICATION_NAME", cfg.ApplicationName)
	return cfg, cfg.Validate()
}

// Validate checks the pool can be opened with these settings.
func (c PoolConfig) Validate() error {
	if c.URL == "" {
		return errors.New("database URL is required")
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("max connections must be at least 1, got %d", c.MaxConns)
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("min connections %d must be between 0 and max connections %d", c.MinConns, c.MaxConns)
	}
	return nil
}

func getInt32(key string, defaultValue int32) (int32, error) {
	v, err := env.GetUint64(key, uint64(defaultValue))
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("invalid %s %d: out of range", key, v)
	}
	return int32(v), nil
}

// OpenPool opens the pool and pings the database. Connection failures are
// tagged entity.ErrTransientIO. The caller closes the pool.
func OpenPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	if cfg.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create connection pool: %w", err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify(fmt.Errorf("failed to ping database: %w", err))
	}
	return pool, nil
}
