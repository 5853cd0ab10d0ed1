package recovery

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/faults"
)

// DefaultRetryableErrors are matched case-insensitively against error messages and kinds
var DefaultRetryableErrors = []string{
	"timeout",
	"deadline exceeded",
	"network",
	"econnreset",
	"enotfound",
	"target closed",
	"navigation",
	"rate limit",
	string(faults.KindOperationTimeout),
	string(faults.KindWorkflowStepFailed),
}

// RetryConfig controls ExecuteWithRetry
type RetryConfig struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	Jitter          time.Duration
	RetryableErrors []string // empty means every non-fatal error is retryable
}

// DefaultRetryConfig returns 3 attempts, 1s base, 30s cap, factor 2, 1s jitter
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2,
		Jitter:          time.Second,
		RetryableErrors: DefaultRetryableErrors,
	}
}

// RetryConfigFromConfig builds a RetryConfig from the recovery section
func RetryConfigFromConfig(cfg common.RecoveryConfig) RetryConfig {
	def := DefaultRetryConfig()
	rc := RetryConfig{
		MaxAttempts:     cfg.MaxAttempts,
		BaseDelay:       common.ParseDuration(cfg.BaseDelay, def.BaseDelay),
		MaxDelay:        common.ParseDuration(cfg.MaxDelay, def.MaxDelay),
		BackoffFactor:   cfg.BackoffFactor,
		Jitter:          common.ParseDuration(cfg.Jitter, def.Jitter),
		RetryableErrors: cfg.RetryableErrors,
	}
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = def.MaxAttempts
	}
	if rc.BackoffFactor < 1 {
		rc.BackoffFactor = def.BackoffFactor
	}
	if len(rc.RetryableErrors) == 0 {
		rc.RetryableErrors = def.RetryableErrors
	}
	return rc
}

// Delay returns the backoff before the attempt following attempt (1-based),
// excluding jitter: min(base * factor^(attempt-1), max).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(c.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// IsRetryable reports whether err may be retried under this config
func (c RetryConfig) IsRetryable(err error) bool {
	if err == nil || faults.IsFatal(err) {
		return false
	}
	if faults.KindOf(err) == faults.KindCircuitOpen {
		return false
	}
	if len(c.RetryableErrors) == 0 {
		return true
	}

	msg := strings.ToLower(err.Error())
	kind := string(faults.KindOf(err))
	for _, candidate := range c.RetryableErrors {
		candidate = strings.ToLower(candidate)
		if candidate == kind || strings.Contains(msg, candidate) {
			return true
		}
	}
	return false
}

func defaultJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1)) // #nosec G404 non-crypto
}
