// Package database provides the PostgreSQL connection factory, its health
// checker and the schema migration runner for the segment tables.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/segmentation/internal/config"
	"github.com/rafaeljc/segmentation/internal/observability"
)

// NewPostgresPool initializes a PostgreSQL connection pool from cfg.
// It returns the pool directly, allowing the caller to manage the lifecycle via Dependency Injection.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// MaxConns prevents the app from starving the DB (connection exhaustion).
	// MinConns keeps some connections warm to reduce latency for new requests.
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	initCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(initCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection (Ping) immediately to fail fast on bad credentials or network.
	if err := pool.Ping(initCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunPoolMonitor samples pool statistics into Prometheus every interval
// until ctx is cancelled. pgxpool reports cumulative counters, so the
// monitor publishes the difference since the previous sample.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last struct {
		acquires int64
		waits    int64
		wait     time.Duration
	}

	for {
		st := pool.Stat()
		observability.DBPoolConnections.WithLabelValues("total").Set(float64(st.TotalConns()))
		observability.DBPoolConnections.WithLabelValues("idle").Set(float64(st.IdleConns()))
		observability.DBPoolConnections.WithLabelValues("in_use").Set(float64(st.AcquiredConns()))
		observability.DBPoolConnections.WithLabelValues("max").Set(float64(st.MaxConns()))

		if d := st.AcquireCount() - last.acquires; d > 0 {
			observability.DBPoolAcquireCount.Add(float64(d))
		}
		if d := st.EmptyAcquireCount() - last.waits; d > 0 {
			observability.DBPoolWaitCount.Add(float64(d))
		}
		if d := st.AcquireDuration() - last.wait; d > 0 {
			observability.DBPoolAcquireDuration.Add(d.Seconds())
		}
		last.acquires, last.waits, last.wait = st.AcquireCount(), st.EmptyAcquireCount(), st.AcquireDuration()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
