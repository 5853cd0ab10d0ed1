// Package engine owns browser sessions and fails operations over between the
// two interchangeable engine drivers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

// ManagerOptions configures a Manager
type ManagerOptions struct {
	DefaultEngine models.EngineKind
	SessionTTL    time.Duration
	ReapSchedule  string // cron spec; empty disables the idle sweep
	Events        interfaces.EventService
	Now           func() time.Time
}

// Manager implements interfaces.EngineManager
type Manager struct {
	drivers       map[models.EngineKind]interfaces.EngineDriver
	defaultEngine models.EngineKind
	registry      *SessionRegistry
	ttl           time.Duration
	events        interfaces.EventService
	logger        arbor.ILogger
	now           func() time.Time

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates an engine manager over the given drivers
func NewManager(logger arbor.ILogger, drivers []interfaces.EngineDriver, opts ManagerOptions) (*Manager, error) {
	if len(drivers) == 0 {
		return nil, fmt.Errorf("at least one engine driver is required")
	}

	m := &Manager{
		drivers:       make(map[models.EngineKind]interfaces.EngineDriver, len(drivers)),
		defaultEngine: opts.DefaultEngine,
		registry:      NewSessionRegistry(),
		ttl:           opts.SessionTTL,
		events:        opts.Events,
		logger:        logger,
		now:           opts.Now,
	}
	for _, d := range drivers {
		m.drivers[d.Kind()] = d
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.ttl <= 0 {
		m.ttl = time.Hour
	}
	if !m.defaultEngine.Valid() {
		m.defaultEngine = drivers[0].Kind()
	}

	if opts.ReapSchedule != "" {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(opts.ReapSchedule, func() {
			defer common.RecoverPanic(m.logger, "session-reaper")
			m.ReapIdle(context.Background())
		}); err != nil {
			return nil, fmt.Errorf("invalid reap schedule %q: %w", opts.ReapSchedule, err)
		}
	}

	return m, nil
}

// Start begins the idle session sweep
func (m *Manager) Start() {
	if m.cron == nil {
		return
	}
	m.startOnce.Do(func() {
		m.cron.Start()
		m.logger.Info().Dur("ttl", m.ttl).Msg("Session reaper started")
	})
}

// Stop halts the sweep and closes every session
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		if m.cron != nil {
			<-m.cron.Stop().Done()
		}
		for _, s := range m.registry.List() {
			if err := m.CloseSession(ctx, s.ID); err != nil {
				m.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to close session on shutdown")
			}
		}
	})
}

// CreateSession opens a session on the preferred (or default) engine and
// falls back once to the other engine.
func (m *Manager) CreateSession(ctx context.Context, config models.BrowserConfig, preference *models.EngineKind) (string, error) {
	primary := m.defaultEngine
	if preference != nil && preference.Valid() {
		primary = *preference
	}

	var errs []error
	for _, kind := range []models.EngineKind{primary, primary.Other()} {
		page, handle, err := m.open(ctx, kind, config)
		if err != nil {
			m.logger.Warn().Err(err).Str("engine", string(kind)).Msg("Engine failed to start session")
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}

		now := m.now()
		session := models.Session{
			ID:             common.NewSessionID(),
			Engine:         kind,
			BrowserKind:    "chromium",
			IsActive:       true,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		m.registry.Put(session, config, page, handle)

		m.logger.Info().
			Str("session_id", session.ID).
			Str("engine", string(kind)).
			Bool("fallback", kind != primary).
			Msg("Browser session created")
		return session.ID, nil
	}

	return "", faults.Wrap(errors.Join(errs...), faults.KindBothEnginesFailed, faults.CategoryBrowser,
		"no browser engine could start a session")
}

// open launches a browser on one engine and prepares a page
func (m *Manager) open(ctx context.Context, kind models.EngineKind, config models.BrowserConfig) (interfaces.Page, interfaces.BrowserHandle, error) {
	driver, ok := m.drivers[kind]
	if !ok {
		return nil, nil, fmt.Errorf("engine %s not available", kind)
	}

	handle, err := driver.Launch(ctx, config)
	if err != nil {
		return nil, nil, fmt.Errorf("launch failed: %w", err)
	}

	page, err := driver.NewPage(ctx, handle)
	if err != nil {
		_ = handle.Close(ctx)
		return nil, nil, fmt.Errorf("new page failed: %w", err)
	}

	if config.Viewport != nil {
		if err := page.SetViewport(ctx, config.Viewport.Width, config.Viewport.Height); err != nil {
			closeResources(ctx, page, handle)
			return nil, nil, fmt.Errorf("set viewport failed: %w", err)
		}
	}
	if len(config.BlockPatterns) > 0 {
		if err := page.InterceptRequests(ctx, config.BlockPatterns); err != nil {
			closeResources(ctx, page, handle)
			return nil, nil, fmt.Errorf("request interception failed: %w", err)
		}
	}
	return page, handle, nil
}

// ExecuteOperation runs op on the session's page. A driver failure is
// replayed once on a fresh page of the other engine; on success the session
// is moved to that engine.
func (m *Manager) ExecuteOperation(ctx context.Context, sessionID string, op models.Operation, params models.OperationParams) (models.Result, error) {
	snap, ok := m.registry.Lookup(sessionID)
	if !ok {
		err := faults.New(faults.KindSessionNotFound, faults.CategoryBrowser, "session %s not found or inactive", sessionID)
		return models.Failed(err), nil
	}
	defer m.registry.Touch(sessionID, m.now())

	if !knownOperation(op) {
		err := faults.New(faults.KindPrecondition, faults.CategorySystem, "unknown operation %q", op)
		return models.Failed(err), err
	}

	data, err := m.run(ctx, snap.page, snap.config, op, params)
	if err == nil {
		if op == models.OpNavigate {
			m.registry.RememberURL(sessionID, params.URL)
		}
		return models.Succeeded(data), nil
	}

	primaryErr := err
	if ctxErr := ctx.Err(); ctxErr != nil {
		kind := faults.KindOperationTimeout
		if !errors.Is(ctxErr, context.DeadlineExceeded) {
			kind = faults.KindUnknown
		}
		err := faults.Wrap(errors.Join(ctxErr, primaryErr), kind, faults.CategoryBrowser,
			"operation %s on %s ended with the context, no failover", op, snap.session.Engine)
		return models.Failed(err), err
	}
	fallback := snap.session.Engine.Other()
	m.logger.Warn().
		Err(primaryErr).
		Str("session_id", sessionID).
		Str("engine", string(snap.session.Engine)).
		Str("operation", string(op)).
		Msg("Operation failed, failing over to other engine")

	page, handle, err := m.open(ctx, fallback, snap.config)
	if err == nil && op != models.OpNavigate && snap.lastURL != "" {
		if navErr := m.navigate(ctx, page, snap.config, snap.lastURL); navErr != nil {
			closeResources(ctx, page, handle)
			err = navErr
		}
	}
	if err == nil {
		data, err = m.run(ctx, page, snap.config, op, params)
		if err != nil {
			closeResources(ctx, page, handle)
		}
	}
	if err != nil {
		fatal := faults.Wrap(errors.Join(primaryErr, err), faults.KindBothEnginesFailed, faults.CategoryBrowser,
			"operation %s failed on %s and %s", op, snap.session.Engine, fallback)
		m.logger.Error().Err(fatal).Str("session_id", sessionID).Msg("Both engines failed")
		return models.Failed(fatal), fatal
	}

	swap := models.EngineSwap{From: snap.session.Engine, To: fallback, Operation: op, At: m.now()}
	oldPage, oldHandle, swapped := m.registry.Swap(sessionID, swap, page, handle)
	if !swapped {
		// Session closed while the fallback ran
		closeResources(ctx, page, handle)
		err := faults.New(faults.KindSessionNotFound, faults.CategoryBrowser, "session %s closed during failover", sessionID)
		return models.Failed(err), nil
	}
	closeResources(ctx, oldPage, oldHandle)

	switch {
	case op == models.OpNavigate:
		m.registry.RememberURL(sessionID, params.URL)
	case snap.lastURL != "":
		m.registry.RememberURL(sessionID, snap.lastURL)
	}

	m.logger.Info().
		Str("session_id", sessionID).
		Str("from", string(swap.From)).
		Str("to", string(swap.To)).
		Msg("Session failed over to other engine")
	if m.events != nil {
		_ = m.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventEngineFailover,
			Payload: models.EngineFailoverEvent{SessionID: sessionID, Swap: swap},
		})
	}

	result := models.Succeeded(data)
	result.Recovered = true
	return result, nil
}

func (m *Manager) navigate(ctx context.Context, page interfaces.Page, config models.BrowserConfig, url string) error {
	_, err := m.run(ctx, page, config, models.OpNavigate, models.OperationParams{URL: url})
	return err
}

// run executes one primitive against a page with the operation timeout applied
func (m *Manager) run(ctx context.Context, page interfaces.Page, config models.BrowserConfig, op models.Operation, p models.OperationParams) (map[string]any, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = config.Timeout()
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch op {
	case models.OpNavigate:
		if err := page.Navigate(opCtx, p.URL); err != nil {
			return nil, err
		}
		return map[string]any{"url": p.URL}, nil

	case models.OpClick:
		return nil, page.Click(opCtx, p.Selector)

	case models.OpType:
		if err := page.Type(opCtx, p.Selector, p.Value, p.HumanLike); err != nil {
			return nil, err
		}
		return map[string]any{"typed": len([]rune(p.Value))}, nil

	case models.OpWaitForSelector, models.OpWaitForHidden:
		visible := op == models.OpWaitForSelector
		if err := page.WaitForSelector(opCtx, p.Selector, visible, timeout); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, faults.Wrap(err, faults.KindOperationTimeout, faults.CategoryBrowser, "waiting for %s", p.Selector)
			}
			return nil, err
		}
		return nil, nil

	case models.OpIsVisible:
		visible, err := page.IsVisible(opCtx, p.Selector)
		if err != nil {
			return nil, err
		}
		return map[string]any{"visible": visible}, nil

	case models.OpExtractText:
		text, err := page.ExtractText(opCtx, p.Selector)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil

	case models.OpExtractAttribute:
		value, err := page.ExtractAttribute(opCtx, p.Selector, p.Attribute)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value, "attribute": p.Attribute}, nil

	case models.OpScreenshot:
		img, err := page.Screenshot(opCtx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"image": img}, nil

	case models.OpEvaluate:
		value, err := page.EvaluateScript(opCtx, p.Script)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value}, nil

	case models.OpSetViewport:
		if p.Viewport == nil {
			return nil, faults.New(faults.KindPrecondition, faults.CategorySystem, "viewport is required")
		}
		return nil, page.SetViewport(opCtx, p.Viewport.Width, p.Viewport.Height)

	case models.OpInterceptRequests:
		return nil, page.InterceptRequests(opCtx, p.Patterns)
	}

	return nil, faults.New(faults.KindPrecondition, faults.CategorySystem, "unknown operation %q", op)
}

func knownOperation(op models.Operation) bool {
	switch op {
	case models.OpNavigate, models.OpClick, models.OpType, models.OpWaitForSelector, models.OpWaitForHidden,
		models.OpIsVisible, models.OpExtractText, models.OpExtractAttribute, models.OpScreenshot,
		models.OpEvaluate, models.OpSetViewport, models.OpInterceptRequests:
		return true
	}
	return false
}

// CloseSession closes the session's page and browser. Unknown ids are a no-op.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	page, handle, ok := m.registry.Remove(sessionID)
	if !ok {
		return nil
	}

	var errs []error
	if page != nil {
		if err := page.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if handle != nil {
		if err := handle.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Debug().Str("session_id", sessionID).Msg("Browser session closed")
	return errors.Join(errs...)
}

// ListActiveSessions returns a snapshot of live sessions
func (m *Manager) ListActiveSessions() []models.Session {
	return m.registry.List()
}

// ReapIdle closes sessions idle longer than the TTL
func (m *Manager) ReapIdle(ctx context.Context) int {
	reaped := m.registry.ReapIdle(ctx, m.now(), m.ttl)
	if len(reaped) > 0 {
		m.logger.Info().Int("reaped", len(reaped)).Strs("session_ids", reaped).Msg("Idle browser sessions reaped")
	}
	return len(reaped)
}
