// Package main runs the segmentation worker: the recompute queue consumers
// and the periodic membership materialization sweep.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/rafaeljc/segmentation/internal/app"
	"github.com/rafaeljc/segmentation/internal/config"
	"github.com/rafaeljc/segmentation/internal/database"
	"github.com/rafaeljc/segmentation/internal/logger"
	"github.com/rafaeljc/segmentation/internal/observability"
	"github.com/rafaeljc/segmentation/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	l := logger.New(&cfg.App)
	slog.SetDefault(l)

	if !cfg.Worker.Enabled {
		l.Info("worker disabled by configuration, exiting")
		return nil
	}
	l.Info("starting segmentation worker", slog.String("version", cfg.App.Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, l, app.Options{Redis: true})
	if err != nil {
		return err
	}
	defer a.Close()

	go database.RunPoolMonitor(ctx, a.Pool, cfg.Database.PoolStatsInterval)

	obs := observability.NewServer(l, &cfg.Observability, a.Checkers()...)
	obs.Start()

	w := worker.New(l, cfg.Worker, a.Service, a.Queue, a.Locks)
	runErr := w.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		l.Error("observability server shutdown failed", slog.String("error", err.Error()))
	}

	if runErr != nil {
		return runErr
	}
	l.Info("worker exited successfully")
	return nil
}
