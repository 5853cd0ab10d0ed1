package queue

import (
	"time"

	"github.com/ternarybob/promptrelay/internal/common"
)

// Config holds configuration for the job queue and its processor
type Config struct {
	// PollInterval is how often idle workers poll for jobs
	PollInterval time.Duration

	// ErrorBackoff is how long a worker waits after a queue error
	ErrorBackoff time.Duration

	// Concurrency is the number of processor workers
	Concurrency int

	// DefaultMaxRetries applies when an enqueue request leaves MaxRetries unset
	DefaultMaxRetries int

	// RetryBaseDelay and RetryMaxDelay shape the exponential retry schedule
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// JobTimeout is the hard ceiling for one job execution
	JobTimeout time.Duration
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		ErrorBackoff:      5 * time.Second,
		Concurrency:       5,
		DefaultMaxRetries: 3,
		RetryBaseDelay:    1 * time.Second,
		RetryMaxDelay:     5 * time.Minute,
		JobTimeout:        5 * time.Minute,
	}
}

// ConfigFrom converts the application queue section
func ConfigFrom(c common.QueueConfig) Config {
	d := NewDefaultConfig()
	cfg := Config{
		PollInterval:      common.ParseDuration(c.PollInterval, d.PollInterval),
		ErrorBackoff:      common.ParseDuration(c.ErrorBackoff, d.ErrorBackoff),
		Concurrency:       c.Concurrency,
		DefaultMaxRetries: c.DefaultMaxRetries,
		RetryBaseDelay:    common.ParseDuration(c.RetryBaseDelay, d.RetryBaseDelay),
		RetryMaxDelay:     common.ParseDuration(c.RetryMaxDelay, d.RetryMaxDelay),
		JobTimeout:        common.ParseDuration(c.JobTimeout, d.JobTimeout),
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	return cfg
}
