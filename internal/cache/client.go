// Package cache holds the Redis-backed coordination pieces of the service:
// the recompute queue, the per-store materialization lock, and the in-memory
// cache of store totals.
package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/segmentation/internal/config"
	"github.com/rafaeljc/segmentation/internal/logger"
	"github.com/rafaeljc/segmentation/internal/retry"
)

// NewRedisClient builds a pooled client from cfg and pings it with
// exponential backoff until it answers or PingMaxRetries is exhausted.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	log := logger.FromContext(ctx)
	backoff := retry.Config{
		MaxAttempts:  cfg.PingMaxRetries,
		InitialDelay: cfg.PingBackoff,
		Multiplier:   2,
	}

	err = retry.Do(ctx, backoff, func(ctx context.Context, attempt int) error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()

		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis ping failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", cfg.PingMaxRetries),
				slog.Any("error", err),
			)
			return err
		}
		log.Info("redis ping successful", slog.Int("attempt", attempt))
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", cfg.PingMaxRetries, err)
	}

	return client, nil
}

func redisOptions(cfg *config.RedisConfig) (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	}

	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.PoolTimeout = cfg.PoolTimeout
	opts.MaxRetries = cfg.MaxRetries
	opts.MinRetryBackoff = cfg.MinRetryBackoff
	opts.MaxRetryBackoff = cfg.MaxRetryBackoff

	if cfg.TLSEnabled && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
