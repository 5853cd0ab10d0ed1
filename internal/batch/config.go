package batch

import (
	"time"

	"github.com/ternarybob/promptrelay/internal/common"
)

// Config controls batch execution
type Config struct {
	JobTimeout            time.Duration // Hard ceiling for one prompt job
	PollInterval          time.Duration // Worker wait while paused or while retries are backing off
	DefaultMaxConcurrency int           // Parallel workers when neither request nor batch sets one
	MaxConcurrencyCap     int           // Upper bound on parallel workers
	DefaultMaxRetries     int           // Applied to batches created without maxRetries
}

// NewDefaultConfig returns the default batch configuration
func NewDefaultConfig() Config {
	return Config{
		JobTimeout:            5 * time.Minute,
		PollInterval:          2 * time.Second,
		DefaultMaxConcurrency: 3,
		MaxConcurrencyCap:     10,
		DefaultMaxRetries:     3,
	}
}

// ConfigFrom converts the TOML batch section
func ConfigFrom(cfg common.BatchConfig, defaultMaxRetries int) Config {
	defaults := NewDefaultConfig()
	config := Config{
		JobTimeout:            common.ParseDuration(cfg.JobTimeout, defaults.JobTimeout),
		PollInterval:          common.ParseDuration(cfg.PollInterval, defaults.PollInterval),
		DefaultMaxConcurrency: cfg.DefaultMaxConcurrency,
		MaxConcurrencyCap:     cfg.MaxConcurrencyCap,
		DefaultMaxRetries:     defaultMaxRetries,
	}
	if config.DefaultMaxConcurrency <= 0 {
		config.DefaultMaxConcurrency = defaults.DefaultMaxConcurrency
	}
	if config.MaxConcurrencyCap <= 0 {
		config.MaxConcurrencyCap = defaults.MaxConcurrencyCap
	}
	if config.DefaultMaxRetries < 0 {
		config.DefaultMaxRetries = 0
	}
	return config
}
