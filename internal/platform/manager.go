package platform

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

const (
	staleAfter         = 5 * time.Minute
	unavailableAbove   = 0.10
	availableBelow     = 0.05
	responseSmoothing  = 0.2
	defaultIdleTimeout = 10 * time.Minute
	cleanupSchedule    = "@every 1m"
)

// ManagerOptions configures a Manager
type ManagerOptions struct {
	IdleTimeout    time.Duration
	HealthSchedule string // cron spec; empty disables the sweep
	SubmitRate     float64
	SubmitBurst    int
	Headless       bool
	Adapter        AdapterOptions // template for every adapter; Limiter is set per platform
	Events         interfaces.EventService
	// OnStale is called by the health sweep for every platform with no
	// recent telemetry
	OnStale func(platform string)
	Now     func() time.Time
}

type idleAdapter struct {
	adapter    *Adapter
	releasedAt time.Time
}

// Manager selects platforms, pools their adapters and tracks live telemetry
type Manager struct {
	logger  arbor.ILogger
	engines interfaces.EngineManager
	opts    ManagerOptions

	mu        sync.Mutex
	platforms []models.PlatformConfig
	index     map[string]int
	statuses  map[string]*models.PlatformStatus
	limiters  map[string]*rate.Limiter
	idle      map[string][]idleAdapter
	busy      map[*Adapter]struct{}

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates a manager over platforms, kept in declaration order
func NewManager(logger arbor.ILogger, platforms []models.PlatformConfig, engines interfaces.EngineManager, opts ManagerOptions) (*Manager, error) {
	if len(platforms) == 0 {
		return nil, fmt.Errorf("no platforms configured")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 1
	}

	m := &Manager{
		logger:    logger,
		engines:   engines,
		opts:      opts,
		platforms: platforms,
		index:     make(map[string]int, len(platforms)),
		statuses:  make(map[string]*models.PlatformStatus, len(platforms)),
		limiters:  make(map[string]*rate.Limiter, len(platforms)),
		idle:      make(map[string][]idleAdapter),
		busy:      make(map[*Adapter]struct{}),
	}

	now := opts.Now()
	for i, p := range platforms {
		m.index[p.Name] = i
		m.statuses[p.Name] = &models.PlatformStatus{
			Name:           p.Name,
			IsAvailable:    true,
			LastCheckedAt:  now,
			ResponseTimeMs: int64(p.Capabilities.AvgResponseMs),
			Capabilities:   p.Capabilities,
		}
		limit := rate.Inf
		if opts.SubmitRate > 0 {
			limit = rate.Limit(opts.SubmitRate)
		}
		m.limiters[p.Name] = rate.NewLimiter(limit, opts.SubmitBurst)
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(cleanupSchedule, func() {
		defer common.RecoverPanic(m.logger, "adapter-cleanup")
		m.CleanupIdle(context.Background())
	}); err != nil {
		return nil, err
	}
	if opts.HealthSchedule != "" {
		if _, err := m.cron.AddFunc(opts.HealthSchedule, func() {
			defer common.RecoverPanic(m.logger, "platform-health-sweep")
			m.HealthSweep(m.opts.Now())
		}); err != nil {
			return nil, fmt.Errorf("invalid health schedule %q: %w", opts.HealthSchedule, err)
		}
	}

	return m, nil
}

// Start begins the idle cleanup and health sweep schedules
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.cron.Start()
		m.logger.Info().Int("platforms", len(m.platforms)).Dur("idle_timeout", m.opts.IdleTimeout).Msg("Platform manager started")
	})
}

// Stop halts the schedules and closes every pooled or leased adapter
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		<-m.cron.Stop().Done()

		m.mu.Lock()
		var all []*Adapter
		for _, pool := range m.idle {
			for _, e := range pool {
				all = append(all, e.adapter)
			}
		}
		for a := range m.busy {
			all = append(all, a)
		}
		m.idle = make(map[string][]idleAdapter)
		m.busy = make(map[*Adapter]struct{})
		m.mu.Unlock()

		for _, a := range all {
			if err := a.Cleanup(ctx); err != nil {
				m.logger.Warn().Err(err).Str("platform", a.Name()).Msg("Failed to clean up adapter")
			}
		}
	})
}

// Platforms returns the definitions in declaration order
func (m *Manager) Platforms() []models.PlatformConfig {
	return append([]models.PlatformConfig(nil), m.platforms...)
}

// Platform returns the named definition
func (m *Manager) Platform(name string) (models.PlatformConfig, bool) {
	i, ok := m.index[name]
	if !ok {
		return models.PlatformConfig{}, false
	}
	return m.platforms[i], true
}

func (m *Manager) unknown(name string) error {
	return faults.New(faults.KindPlatformIncompatible, faults.CategorySystem, "unknown platform %q", name)
}

// GetOptimalPlatform filters platforms by hard requirements and returns the
// best-scoring one. Available platforms win over unavailable ones; ties go to
// the earlier declared platform.
func (m *Manager) GetOptimalPlatform(req models.PlatformRequirements) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var available, unavailable []int
	for i, p := range m.platforms {
		c := p.Capabilities
		if (req.NeedsFullProject && !c.FullProject) || (req.NeedsComponents && !c.Components) || (req.NeedsForking && !c.Forking) {
			continue
		}
		if m.statuses[p.Name].IsAvailable {
			available = append(available, i)
		} else {
			unavailable = append(unavailable, i)
		}
	}

	candidates := available
	if len(candidates) == 0 {
		candidates = unavailable
		if len(candidates) > 0 {
			m.logger.Warn().Msg("No compatible platform is available, choosing among unavailable ones")
		}
	}
	if len(candidates) == 0 {
		return "", faults.New(faults.KindPlatformIncompatible, faults.CategorySystem,
			"no platform satisfies requirements %+v", req)
	}

	fastest := math.MaxFloat64
	for _, i := range candidates {
		if ms := m.responseMs(i); ms < fastest {
			fastest = ms
		}
	}

	best, bestScore := -1, math.Inf(-1)
	for _, i := range candidates {
		if s := m.score(i, req, fastest); s > bestScore {
			best, bestScore = i, s
		}
	}
	return m.platforms[best].Name, nil
}

func (m *Manager) responseMs(i int) float64 {
	p := m.platforms[i]
	ms := float64(m.statuses[p.Name].ResponseTimeMs)
	if ms <= 0 {
		ms = float64(p.Capabilities.AvgResponseMs)
	}
	if ms <= 0 {
		ms = 1
	}
	return ms
}

// score blends static reliability with live error rate, plus optional
// speed and reliability boosts
func (m *Manager) score(i int, req models.PlatformRequirements, fastest float64) float64 {
	p := m.platforms[i]
	st := m.statuses[p.Name]
	health := 1 - st.ErrorRate

	s := 0.5*p.Capabilities.Reliability + 0.5*health
	if req.PrioritizeReliability {
		s += p.Capabilities.Reliability * health
	}
	if req.PrioritizeSpeed {
		s += fastest / m.responseMs(i)
	}
	return s
}

// Limiter returns the submission throttle for a platform
func (m *Manager) Limiter(name string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limiters[name]
}

// GetAdapter leases an initialized adapter for exclusive use, reusing a
// pooled one when possible. Return it with ReleaseAdapter.
func (m *Manager) GetAdapter(ctx context.Context, name string) (*Adapter, error) {
	config, ok := m.Platform(name)
	if !ok {
		return nil, m.unknown(name)
	}

	m.mu.Lock()
	var adapter *Adapter
	if pool := m.idle[name]; len(pool) > 0 {
		adapter = pool[len(pool)-1].adapter
		m.idle[name] = pool[:len(pool)-1]
	}
	if adapter == nil {
		opts := m.opts.Adapter
		opts.Limiter = m.limiters[name]
		adapter = NewAdapter(config, m.engines, m.logger, opts)
	}
	m.busy[adapter] = struct{}{}
	m.mu.Unlock()

	if _, err := adapter.Initialize(ctx, m.opts.Headless); err != nil {
		m.mu.Lock()
		delete(m.busy, adapter)
		m.mu.Unlock()
		return nil, err
	}
	return adapter, nil
}

// ReleaseAdapter returns a leased adapter to the pool. Closed adapters are
// dropped.
func (m *Manager) ReleaseAdapter(adapter *Adapter) {
	if adapter == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, adapter)
	if adapter.State() == StateClosed {
		return
	}
	m.idle[adapter.Name()] = append(m.idle[adapter.Name()], idleAdapter{adapter: adapter, releasedAt: m.opts.Now()})
}

// CleanupIdle closes pooled adapters idle longer than the idle timeout
func (m *Manager) CleanupIdle(ctx context.Context) int {
	now := m.opts.Now()

	m.mu.Lock()
	var expired []*Adapter
	for name, pool := range m.idle {
		kept := pool[:0]
		for _, e := range pool {
			if now.Sub(e.releasedAt) > m.opts.IdleTimeout {
				expired = append(expired, e.adapter)
			} else {
				kept = append(kept, e)
			}
		}
		m.idle[name] = kept
	}
	m.mu.Unlock()

	for _, a := range expired {
		if err := a.Cleanup(ctx); err != nil {
			m.logger.Warn().Err(err).Str("platform", a.Name()).Msg("Failed to close idle adapter")
		}
	}
	if len(expired) > 0 {
		m.logger.Debug().Int("closed", len(expired)).Msg("Closed idle platform adapters")
	}
	return len(expired)
}

// IdleAdapters returns how many adapters are pooled for a platform
func (m *Manager) IdleAdapters(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idle[name])
}

// RecordExecution folds one execution into the platform's telemetry
func (m *Manager) RecordExecution(name string, duration time.Duration, success bool) {
	m.mu.Lock()
	st, ok := m.statuses[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.Executions++
	ms := float64(duration.Milliseconds())
	if st.ResponseTimeMs <= 0 {
		st.ResponseTimeMs = int64(ms)
	} else {
		st.ResponseTimeMs = int64(math.Round((1-responseSmoothing)*float64(st.ResponseTimeMs) + responseSmoothing*ms))
	}
	if success {
		st.ErrorRate *= 0.9
	} else {
		st.ErrorRate = math.Min(1, st.ErrorRate*1.1+0.01)
	}
	st.LastCheckedAt = m.opts.Now()
	m.mu.Unlock()
}

// HealthSweep marks stale platforms with a high error rate unavailable and
// restores platforms whose error rate recovered. Returns the changed statuses.
func (m *Manager) HealthSweep(now time.Time) []models.PlatformStatus {
	var changed []models.PlatformStatus
	var stale []string

	m.mu.Lock()
	for _, p := range m.platforms {
		st := m.statuses[p.Name]
		isStale := now.Sub(st.LastCheckedAt) > staleAfter
		if isStale {
			stale = append(stale, p.Name)
		}
		switch {
		case st.IsAvailable && isStale && st.ErrorRate > unavailableAbove:
			st.IsAvailable = false
			changed = append(changed, *st)
		case !st.IsAvailable && st.ErrorRate < availableBelow:
			st.IsAvailable = true
			changed = append(changed, *st)
		}
	}
	m.mu.Unlock()

	for _, st := range changed {
		m.logger.Info().
			Str("platform", st.Name).
			Bool("available", st.IsAvailable).
			Str("error_rate", fmt.Sprintf("%.3f", st.ErrorRate)).
			Msg("Platform availability changed")
		if m.opts.Events != nil {
			_ = m.opts.Events.Publish(context.Background(), interfaces.Event{
				Type:    interfaces.EventPlatformStatus,
				Payload: models.PlatformStatusEvent{Status: st},
			})
		}
	}
	if m.opts.OnStale != nil {
		for _, name := range stale {
			m.opts.OnStale(name)
		}
	}
	return changed
}

// Statuses returns a snapshot of every platform status in declaration order
func (m *Manager) Statuses() []models.PlatformStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PlatformStatus, 0, len(m.platforms))
	for _, p := range m.platforms {
		out = append(out, *m.statuses[p.Name])
	}
	return out
}

// Status returns one platform's status
func (m *Manager) Status(name string) (models.PlatformStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[name]
	if !ok {
		return models.PlatformStatus{}, false
	}
	return *st, true
}

// CheckHealth opens a fresh session, loads the platform's base URL and
// records the outcome as telemetry.
func (m *Manager) CheckHealth(ctx context.Context, name string) (models.Result, error) {
	config, ok := m.Platform(name)
	if !ok {
		err := m.unknown(name)
		return models.Failed(err), err
	}

	probe := NewAdapter(config, m.engines, m.logger, m.opts.Adapter)
	start := m.opts.Now()
	sessionID, err := probe.Initialize(ctx, true)
	if err != nil {
		m.RecordExecution(name, m.opts.Now().Sub(start), false)
		return models.Failed(err), nil
	}
	defer func() {
		if err := probe.Cleanup(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn().Err(err).Str("platform", name).Msg("Failed to close health check session")
		}
	}()

	res, err := m.engines.ExecuteOperation(ctx, sessionID, models.OpNavigate, models.OperationParams{URL: config.BaseURL})
	elapsed := m.opts.Now().Sub(start)
	ok = err == nil && res.Success
	m.RecordExecution(name, elapsed, ok)

	m.logger.Debug().Str("platform", name).Bool("reachable", ok).Dur("elapsed", elapsed).Msg("Platform health check")
	if !ok {
		if err == nil {
			err = res.Err()
		}
		return models.Failed(err), nil
	}
	return models.Succeeded(map[string]any{
		"platform":       name,
		"reachable":      true,
		"responseTimeMs": elapsed.Milliseconds(),
	}), nil
}

// SessionEngine returns the engine currently backing a session, or ""
func (m *Manager) SessionEngine(sessionID string) models.EngineKind {
	for _, s := range m.engines.ListActiveSessions() {
		if s.ID == sessionID {
			return s.Engine
		}
	}
	return ""
}
