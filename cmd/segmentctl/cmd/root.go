// Package cmd implements segmentctl, the operator CLI of the segmentation
// service.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rafaeljc/segmentation/internal/app"
	"github.com/rafaeljc/segmentation/internal/config"
	"github.com/rafaeljc/segmentation/internal/logger"
)

var (
	envFile  string
	logLevel string
	storeID  string
)

var rootCmd = &cobra.Command{
	Use:           "segmentctl",
	Short:         "Operate the customer segmentation service",
	Long:          `segmentctl runs migrations, materializes memberships and inspects rule sets against the configured stores.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading SEGMENTATION_* variables")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override SEGMENTATION_APP_LOG_LEVEL (debug, info, warn, error)")
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads the env file when present, then the environment.
func loadConfig() (*config.Config, *slog.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.App.LogLevel = logLevel
	}

	l := logger.New(&cfg.App)
	slog.SetDefault(l)
	return cfg, l, nil
}

// openApp builds the service without Redis: recomputations triggered by the
// CLI run inline.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, l, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, l, app.Options{})
}

func requireStore() error {
	if storeID == "" {
		return fmt.Errorf("--store is required")
	}
	return nil
}
