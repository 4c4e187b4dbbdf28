// Package session exposes whether a user's platform identity can currently
// post. The worker pool consults a Gate before every job except
// INIT_SESSION, which is how sessions get refreshed.
package session

import (
	"context"
	"sync"
	"time"
)

// State is a user's session as seen by the gate
type State struct {
	Usable    bool      `json:"usable"`
	Reason    string    `json:"reason,omitempty"`     // Why the session is not usable
	SessionID string    `json:"session_id,omitempty"` // Opaque handle passed to the platform client
	CheckedAt time.Time `json:"checked_at"`
}

// Gate reports and refreshes platform sessions.
// RefreshSession returns the refreshed state; an unusable state with a nil
// error means the platform declined (bad credentials, locked account).
type Gate interface {
	GetSessionState(ctx context.Context, userID string) (State, error)
	RefreshSession(ctx context.Context, userID string) (State, error)
}

// CachedGate memoizes usable states for a TTL so a run of N posts asks the
// platform once. Unusable states and errors are never cached.
type CachedGate struct {
	inner Gate
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]State
}

// NewCachedGate wraps inner with a cache of usable states
func NewCachedGate(inner Gate, ttl time.Duration) *CachedGate {
	return &CachedGate{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]State),
	}
}

// GetSessionState returns a cached usable state or asks the inner gate
func (g *CachedGate) GetSessionState(ctx context.Context, userID string) (State, error) {
	g.mu.Lock()
	if st, ok := g.entries[userID]; ok && g.now().Sub(st.CheckedAt) < g.ttl {
		g.mu.Unlock()
		return st, nil
	}
	g.mu.Unlock()

	st, err := g.inner.GetSessionState(ctx, userID)
	if err != nil {
		return State{}, err
	}
	g.store(userID, st)
	return st, nil
}

// RefreshSession always goes to the inner gate and replaces the cached state
func (g *CachedGate) RefreshSession(ctx context.Context, userID string) (State, error) {
	st, err := g.inner.RefreshSession(ctx, userID)
	if err != nil {
		g.Invalidate(userID)
		return State{}, err
	}
	g.store(userID, st)
	return st, nil
}

// Invalidate drops the cached state for userID
func (g *CachedGate) Invalidate(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, userID)
}

func (g *CachedGate) store(userID string, st State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !st.Usable {
		delete(g.entries, userID)
		return
	}
	if st.CheckedAt.IsZero() {
		st.CheckedAt = g.now()
	}
	g.entries[userID] = st
}
