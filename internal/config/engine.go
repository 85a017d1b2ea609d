package config

import (
	"errors"
	"time"
)

// EngineConfig tunes the rule engine workflows run by the segment service.
type EngineConfig struct {
	// ProbeTimeout bounds a single executability probe attempt.
	ProbeTimeout     time.Duration `envconfig:"PROBE_TIMEOUT" default:"2s" validate:"gt=0"`
	ProbeMaxAttempts int           `envconfig:"PROBE_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	ProbeBaseDelay   time.Duration `envconfig:"PROBE_BASE_DELAY" default:"100ms" validate:"gte=0"`

	// PageSize is the number of customers evaluated per materialization batch.
	PageSize int `envconfig:"PAGE_SIZE" default:"500" validate:"min=1,max=10000"`

	TotalsCacheTTL      time.Duration `envconfig:"TOTALS_CACHE_TTL" default:"5s" validate:"gt=0"`
	TotalsCacheCapacity int           `envconfig:"TOTALS_CACHE_CAPACITY" default:"1024" validate:"min=1"`

	// SampleSize is the number of matching customers returned by a preview.
	SampleSize int `envconfig:"SAMPLE_SIZE" default:"10" validate:"min=0,max=100"`
}

// Validate checks relations between fields that tags cannot express.
func (e *EngineConfig) Validate() error {
	if e.ProbeBaseDelay >= e.ProbeTimeout {
		return errors.New("engine probe base delay must be shorter than probe timeout")
	}
	return nil
}
