package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

// sessionEntry binds a session to the single driver page backing it
type sessionEntry struct {
	session models.Session
	config  models.BrowserConfig
	page    interfaces.Page
	handle  interfaces.BrowserHandle
	lastURL string
}

// sessionSnapshot is a consistent copy of an entry taken under the lock
type sessionSnapshot struct {
	session models.Session
	config  models.BrowserConfig
	page    interfaces.Page
	lastURL string
}

// SessionRegistry tracks live sessions. Safe for concurrent use.
type SessionRegistry struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{entries: make(map[string]*sessionEntry)}
}

// Put registers a new session
func (r *SessionRegistry) Put(session models.Session, config models.BrowserConfig, page interfaces.Page, handle interfaces.BrowserHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[session.ID] = &sessionEntry{session: session, config: config, page: page, handle: handle}
}

// Lookup returns the active session with the given id
func (r *SessionRegistry) Lookup(id string) (sessionSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || !e.session.IsActive {
		return sessionSnapshot{}, false
	}
	return sessionSnapshot{session: copySession(e.session), config: e.config, page: e.page, lastURL: e.lastURL}, true
}

// Touch records activity on a session
func (r *SessionRegistry) Touch(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.session.LastActivityAt = now
	}
}

// RememberURL records the last navigated URL so a failover can restore it
func (r *SessionRegistry) RememberURL(id, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.lastURL = url
	}
}

// Swap replaces the backing page of a session after a failover and returns
// the previous page and handle for the caller to close.
func (r *SessionRegistry) Swap(id string, swap models.EngineSwap, page interfaces.Page, handle interfaces.BrowserHandle) (interfaces.Page, interfaces.BrowserHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || !e.session.IsActive {
		return nil, nil, false
	}
	oldPage, oldHandle := e.page, e.handle
	e.page = page
	e.handle = handle
	e.session.Engine = swap.To
	e.session.Failovers = append(e.session.Failovers, swap)
	return oldPage, oldHandle, true
}

// Remove deletes a session and returns its resources
func (r *SessionRegistry) Remove(id string) (interfaces.Page, interfaces.BrowserHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, nil, false
	}
	delete(r.entries, id)
	e.session.IsActive = false
	return e.page, e.handle, true
}

// List returns active sessions ordered by creation time
func (r *SessionRegistry) List() []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.session.IsActive {
			out = append(out, copySession(e.session))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Idle returns the ids of sessions with no activity for longer than ttl
func (r *SessionRegistry) Idle(now time.Time, ttl time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.entries {
		if now.Sub(e.session.LastActivityAt) > ttl {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ReapIdle closes and removes sessions idle past ttl
func (r *SessionRegistry) ReapIdle(ctx context.Context, now time.Time, ttl time.Duration) []string {
	ids := r.Idle(now, ttl)
	for _, id := range ids {
		page, handle, ok := r.Remove(id)
		if ok {
			closeResources(ctx, page, handle)
		}
	}
	return ids
}

// Len returns the number of registered sessions
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func copySession(s models.Session) models.Session {
	if len(s.Failovers) > 0 {
		s.Failovers = append([]models.EngineSwap(nil), s.Failovers...)
	}
	return s
}

func closeResources(ctx context.Context, page interfaces.Page, handle interfaces.BrowserHandle) {
	if page != nil {
		_ = page.Close(ctx)
	}
	if handle != nil {
		_ = handle.Close(ctx)
	}
}
