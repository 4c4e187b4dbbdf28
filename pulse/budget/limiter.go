// Package budget bounds how much work the engine issues: a process-wide
// token bucket for external platform calls and per-schedule daily post caps.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/postpulse/errors"
)

// Limiter is the process-wide token bucket shared by every worker.
// A zero per-minute rate disables limiting.
type Limiter struct {
	mu                sync.Mutex
	limiter           *rate.Limiter
	maxCallsPerMinute int
	burst             int
	timeNow           func() time.Time // Injectable for testing
}

// NewLimiter creates a rate limiter with real time
func NewLimiter(maxCallsPerMinute, burst int) *Limiter {
	return NewLimiterWithClock(maxCallsPerMinute, burst, time.Now)
}

// NewLimiterWithClock creates a rate limiter with injectable clock (for testing)
func NewLimiterWithClock(maxCallsPerMinute, burst int, timeNow func() time.Time) *Limiter {
	l := &Limiter{timeNow: timeNow}
	l.limiter = rate.NewLimiter(toLimit(maxCallsPerMinute), normalizeBurst(burst))
	l.maxCallsPerMinute = maxCallsPerMinute
	l.burst = normalizeBurst(burst)
	return l
}

func toLimit(perMinute int) rate.Limit {
	if perMinute <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(perMinute) / 60.0)
}

func normalizeBurst(burst int) int {
	if burst < 1 {
		return 1
	}
	return burst
}

// Allow takes a token if one is available now.
// Returns error if rate limit exceeded
func (r *Limiter) Allow() error {
	r.mu.Lock()
	lim, perMinute := r.limiter, r.maxCallsPerMinute
	r.mu.Unlock()

	if lim.AllowN(r.timeNow(), 1) {
		return nil
	}

	err := errors.Newf("rate limit exceeded: %d calls per minute", perMinute)
	err = errors.WithDetail(err, fmt.Sprintf("Max calls per minute: %d", perMinute))
	err = errors.WithDetail(err, fmt.Sprintf("Tokens available: %.2f", lim.TokensAt(r.timeNow())))
	return err
}

// Wait blocks until a token is available.
// Returns error if context is cancelled
func (r *Limiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	lim := r.limiter
	r.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait")
	}
	return nil
}

// SetRate applies a new rate and burst without dropping waiters
// (used on config hot reload).
func (r *Limiter) SetRate(maxCallsPerMinute, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	r.limiter.SetLimitAt(now, toLimit(maxCallsPerMinute))
	r.limiter.SetBurstAt(now, normalizeBurst(burst))
	r.maxCallsPerMinute = maxCallsPerMinute
	r.burst = normalizeBurst(burst)
}

// Stats returns current rate limiter statistics
func (r *Limiter) Stats() (perMinute int, burst int, available float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	available = r.limiter.TokensAt(r.timeNow())
	if available < 0 {
		available = 0
	}
	return r.maxCallsPerMinute, r.burst, available
}
