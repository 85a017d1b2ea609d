// Package main runs the segmentation REST API.
//
// It is the composition root of the HTTP surface: it loads configuration,
// connects PostgreSQL, the customer store and Redis, and serves the segment
// API next to the observability server until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/rafaeljc/segmentation/internal/app"
	"github.com/rafaeljc/segmentation/internal/config"
	"github.com/rafaeljc/segmentation/internal/database"
	"github.com/rafaeljc/segmentation/internal/logger"
	"github.com/rafaeljc/segmentation/internal/observability"
	"github.com/rafaeljc/segmentation/internal/segmentapi"
)

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration
	// -------------------------------------------------------------------------

	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	l := logger.New(&cfg.App)
	slog.SetDefault(l)
	l.Info("starting segmentation api", slog.String("version", cfg.App.Version), slog.String("env", cfg.App.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// 2. Infrastructure and wiring
	// -------------------------------------------------------------------------
	a, err := app.New(ctx, cfg, l, app.Options{Redis: true})
	if err != nil {
		return err
	}
	defer a.Close()

	go database.RunPoolMonitor(ctx, a.Pool, cfg.Database.PoolStatsInterval)

	obs := observability.NewServer(l, &cfg.Observability, a.Checkers()...)
	obs.Start()

	api := segmentapi.NewAPI(a.Service, segmentapi.Options{
		APIKeyHash:     cfg.HTTP.APIKeyHash,
		SkipAuth:       cfg.HTTP.APIKeyHash == "" && !cfg.App.IsProduction(),
		AllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	})
	if cfg.HTTP.APIKeyHash == "" {
		l.Warn("API key authentication is disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Address(),
		Handler:           api.Router,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
	}

	// -------------------------------------------------------------------------
	// 3. Serve
	// -------------------------------------------------------------------------
	errChan := make(chan error, 1)
	go func() {
		l.Info("http server listening", slog.String("addr", srv.Addr), slog.Bool("tls", cfg.HTTP.TLSEnabled))

		var err error
		if cfg.HTTP.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.HTTP.TLSCert, cfg.HTTP.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// 4. Graceful shutdown
	// -------------------------------------------------------------------------
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		l.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("http server shutdown failed", slog.String("error", err.Error()))
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		l.Error("observability server shutdown failed", slog.String("error", err.Error()))
	}

	l.Info("service exited successfully")
	return nil
}
