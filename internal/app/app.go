// Package app wires the segmentation components from a loaded configuration.
// The API, the worker and segmentctl share it so that every binary runs the
// same service over the same stores.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/segmentation/internal/cache"
	"github.com/rafaeljc/segmentation/internal/config"
	"github.com/rafaeljc/segmentation/internal/customers"
	"github.com/rafaeljc/segmentation/internal/database"
	"github.com/rafaeljc/segmentation/internal/observability"
	"github.com/rafaeljc/segmentation/internal/ruleengine"
	"github.com/rafaeljc/segmentation/internal/segments"
	"github.com/rafaeljc/segmentation/internal/store"
	"github.com/rafaeljc/segmentation/migrations"
)

// Options selects the optional parts of the graph.
type Options struct {
	// Redis connects the recompute queue and the store locks. Without it
	// recomputations run inline.
	Redis bool
}

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool        *pgxpool.Pool
	CustomersDB *sqlx.DB
	Customers   *customers.Store
	Totals      *cache.TotalsCache
	Redis       *redis.Client
	Queue       *cache.RecomputeQueue
	Locks       *cache.StoreLock
	Service     *segments.Service

	closers []func()
}

// New connects every store named by cfg and builds the segment service. On
// failure, whatever was opened is closed again.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Pool, err = database.NewPostgresPool(ctx, &cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	a.closers = append(a.closers, a.Pool.Close)

	if cfg.Database.AutoMigrate {
		if _, err = database.Migrate(ctx, a.Pool, migrations.FS, log); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	registry := ruleengine.DefaultRegistry()

	if a.CustomersDB, err = customers.Open(cfg.Customers); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.CustomersDB.Close() })

	if a.Customers, err = customers.NewStore(a.CustomersDB, registry, cfg.Customers.QueryTimeout); err != nil {
		return nil, err
	}
	if cfg.Customers.Driver() == "sqlite3" {
		if err = a.Customers.CreateSchema(ctx); err != nil {
			return nil, err
		}
	}
	if err = a.Customers.VerifySchema(ctx); err != nil {
		return nil, err
	}

	if a.Totals, err = cache.NewTotalsCache(a.Customers, cfg.Engine.TotalsCacheCapacity, cfg.Engine.TotalsCacheTTL); err != nil {
		return nil, fmt.Errorf("failed to build totals cache: %w", err)
	}
	a.closers = append(a.closers, a.Totals.Close)

	var scheduler segments.Scheduler
	if opts.Redis {
		if a.Redis, err = cache.NewRedisClient(ctx, &cfg.Redis); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })

		a.Queue = cache.NewRecomputeQueue(a.Redis)
		a.Locks = cache.NewStoreLock(a.Redis, cfg.Worker.LockTTL)
		scheduler = a.Queue
	}

	a.Service = segments.New(log, segments.ConfigFrom(cfg.Engine), segments.Deps{
		Segments:    store.NewSegmentStore(a.Pool, registry),
		Customers:   a.Totals,
		Memberships: store.NewMembershipStore(a.Pool),
		Scheduler:   scheduler,
		Registry:    registry,
	})
	return a, nil
}

// Checkers returns the readiness checks of the connected dependencies.
func (a *App) Checkers() []observability.Checker {
	checkers := []observability.Checker{
		database.NewHealthChecker(a.Pool),
		observability.CheckerFunc{ComponentName: "customers", Fn: a.Customers.Ping},
	}
	if a.Redis != nil {
		checkers = append(checkers, cache.NewHealthChecker(a.Redis))
	}
	return checkers
}

// Close releases every opened component. It is safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
