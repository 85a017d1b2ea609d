package config

import (
	"errors"
	"time"
)

// WorkerConfig contains configuration for the background segmentation worker.
type WorkerConfig struct {
	Enabled             bool          `envconfig:"ENABLED" default:"true"`
	PopTimeout          time.Duration `envconfig:"POP_TIMEOUT" default:"5s" validate:"gt=0"`
	MaterializeInterval time.Duration `envconfig:"MATERIALIZE_INTERVAL" default:"15m" validate:"gt=0"`
	Concurrency         int           `envconfig:"CONCURRENCY" default:"4" validate:"min=1"`
	MaxRetries          int           `envconfig:"MAX_RETRIES" default:"3" validate:"min=0"`
	BaseRetryDelay      time.Duration `envconfig:"BASE_RETRY_DELAY" default:"1s"`
	LockTTL             time.Duration `envconfig:"LOCK_TTL" default:"10m" validate:"gt=0"`
}

// Validate checks relations between fields that tags cannot express.
func (w *WorkerConfig) Validate() error {
	if w.LockTTL < w.PopTimeout {
		return errors.New("worker lock ttl cannot be shorter than pop timeout")
	}
	return nil
}
