// Package recovery provides retry with exponential backoff, per-service
// circuit breakers and primary/fallback execution.
package recovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/engine"
	"github.com/ternarybob/promptrelay/internal/faults"
)

// OpContext names the guarded call for breaker bookkeeping and logs
type OpContext struct {
	Service   string
	Operation string
	JobID     string
}

// Outcome reports how ExecuteWithFallback produced its value
type Outcome struct {
	UsedFallback bool   `json:"usedFallback"`
	Attempts     int    `json:"attempts"`
	PrimaryError string `json:"primaryError,omitempty"`
}

// CircuitBreaker is a snapshot of one service's breaker
type CircuitBreaker struct {
	Service       string    `json:"service"`
	IsOpen        bool      `json:"isOpen"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"lastFailureAt"`
}

type breaker struct {
	failures      int
	lastFailureAt time.Time
}

// Options configures a Service
type Options struct {
	BreakerThreshold int
	BreakerReset     time.Duration
	Now              func() time.Time
	Sleep            func(ctx context.Context, d time.Duration) error
	Jitter           func(max time.Duration) time.Duration
}

// Service is an explicitly constructed recovery service owning its breaker map
type Service struct {
	mu         sync.Mutex
	breakers   map[string]*breaker
	threshold  int
	resetAfter time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(max time.Duration) time.Duration
	logger     arbor.ILogger
}

// NewService creates a recovery service. Breakers open after 5 consecutive
// failures and close again after 5 minutes without a failure by default.
func NewService(logger arbor.ILogger, opts Options) *Service {
	s := &Service{
		breakers:   make(map[string]*breaker),
		threshold:  opts.BreakerThreshold,
		resetAfter: opts.BreakerReset,
		now:        opts.Now,
		sleep:      opts.Sleep,
		jitter:     opts.Jitter,
		logger:     logger,
	}
	if s.threshold <= 0 {
		s.threshold = 5
	}
	if s.resetAfter <= 0 {
		s.resetAfter = 5 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = engine.Sleep
	}
	if s.jitter == nil {
		s.jitter = defaultJitter
	}
	return s
}

// allow reports whether a call to service may proceed, half-opening an
// expired breaker.
func (s *Service) allow(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[service]
	if !ok || b.failures < s.threshold {
		return true
	}
	if s.now().Sub(b.lastFailureAt) >= s.resetAfter {
		b.failures = 0
		s.logger.Info().Str("service", service).Msg("Circuit breaker reset after idle period")
		return true
	}
	return false
}

func (s *Service) recordSuccess(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[service]; ok {
		b.failures = 0
	}
}

func (s *Service) recordFailure(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[service]
	if !ok {
		b = &breaker{}
		s.breakers[service] = b
	}
	b.failures++
	b.lastFailureAt = s.now()
	if b.failures == s.threshold {
		s.logger.Warn().Str("service", service).Int("failures", b.failures).Msg("Circuit breaker opened")
	}
}

// BreakerState returns a snapshot of the breaker for service
func (s *Service) BreakerState(service string) CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := CircuitBreaker{Service: service}
	if b, ok := s.breakers[service]; ok {
		state.Failures = b.failures
		state.LastFailureAt = b.lastFailureAt
		state.IsOpen = b.failures >= s.threshold && s.now().Sub(b.lastFailureAt) < s.resetAfter
	}
	return state
}

// Breakers returns snapshots of every known breaker ordered by service name
func (s *Service) Breakers() []CircuitBreaker {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Strings(names)
	out := make([]CircuitBreaker, 0, len(names))
	for _, name := range names {
		out = append(out, s.BreakerState(name))
	}
	return out
}

// ResetBreaker closes the breaker for service
func (s *Service) ResetBreaker(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, service)
}

// Categorize classifies err for reporting
func (s *Service) Categorize(err error) faults.Category {
	return faults.Categorize(err)
}

// ExecuteWithRetry runs op, retrying retryable failures with exponential
// backoff. Calls are refused with CircuitOpen while the breaker is open.
func ExecuteWithRetry[T any](ctx context.Context, s *Service, op func(ctx context.Context) (T, error), cfg RetryConfig, oc OpContext) (T, error) {
	v, _, err := executeWithRetry(ctx, s, op, cfg, oc)
	return v, err
}

func executeWithRetry[T any](ctx context.Context, s *Service, op func(ctx context.Context) (T, error), cfg RetryConfig, oc OpContext) (T, int, error) {
	var zero T
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if !s.allow(oc.Service) {
			err := faults.New(faults.KindCircuitOpen, faults.CategorySystem, "circuit open for service %s", oc.Service)
			return zero, attempt - 1, err
		}

		v, err := op(ctx)
		if err == nil {
			s.recordSuccess(oc.Service)
			if attempt > 1 {
				s.logger.Info().
					Str("service", oc.Service).
					Str("operation", oc.Operation).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return v, attempt, nil
		}
		s.recordFailure(oc.Service)

		if attempt >= maxAttempts || !cfg.IsRetryable(err) {
			return zero, attempt, err
		}

		delay := cfg.Delay(attempt) + s.jitter(cfg.Jitter)
		s.logger.Warn().
			Err(err).
			Str("service", oc.Service).
			Str("operation", oc.Operation).
			Str("category", string(faults.Categorize(err))).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Operation failed, retrying")

		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return zero, attempt, errors.Join(err, sleepErr)
		}
	}
}

// ExecuteWithFallback runs primary under ExecuteWithRetry and, if it
// ultimately fails, runs fallback once. Fallback success is reported in
// the Outcome; a fallback failure returns a combined FallbackFailed error.
func ExecuteWithFallback[T any](ctx context.Context, s *Service, primary, fallback func(ctx context.Context) (T, error), cfg RetryConfig, oc OpContext) (T, Outcome, error) {
	v, attempts, primaryErr := executeWithRetry(ctx, s, primary, cfg, oc)
	if primaryErr == nil {
		return v, Outcome{Attempts: attempts}, nil
	}

	outcome := Outcome{UsedFallback: true, Attempts: attempts, PrimaryError: primaryErr.Error()}
	s.logger.Warn().
		Err(primaryErr).
		Str("service", oc.Service).
		Str("operation", oc.Operation).
		Msg("Primary failed, running fallback")

	v, fallbackErr := fallback(ctx)
	if fallbackErr != nil {
		var zero T
		err := faults.Wrap(errors.Join(primaryErr, fallbackErr), faults.KindFallbackFailed, faults.Categorize(primaryErr),
			"primary and fallback failed for %s", oc.Service)
		return zero, outcome, err
	}

	s.logger.Info().
		Str("service", oc.Service).
		Str("operation", oc.Operation).
		Msg("Recovered via fallback")
	return v, outcome, nil
}
