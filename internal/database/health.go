package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker implements the observability.Checker interface for PostgreSQL.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker creates a new health checker for the given connection pool.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

// Name returns the component name.
func (h *HealthChecker) Name() string {
	return "postgres"
}

// Check pings the pool and reports exhaustion as unhealthy.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return errors.New("database pool is nil")
	}
	if err := h.pool.Ping(ctx); err != nil {
		return err
	}
	if st := h.pool.Stat(); st.MaxConns() > 0 && st.AcquiredConns() >= st.MaxConns() && st.EmptyAcquireCount() > 0 {
		return errors.New("connection pool exhausted")
	}
	return nil
}
