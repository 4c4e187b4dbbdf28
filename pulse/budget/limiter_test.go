package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/postpulse/errors"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Given: 60 calls/minute, burst 3
// When: 3 calls land at the same instant
// Then: the 4th is rejected until a second passes
func TestLimiter_BurstThenRefill(t *testing.T) {
	clock := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := NewLimiterWithClock(60, 3, clock.Now)

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Allow(), "call %d", i+1)
	}

	err := limiter.Allow()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
	assert.NotEmpty(t, errors.GetAllDetails(err))

	clock.Advance(time.Second)
	assert.NoError(t, limiter.Allow())
	assert.Error(t, limiter.Allow())
}

func TestLimiter_ZeroRateIsUnlimited(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(0, 0, clock.Now)

	for i := 0; i < 1000; i++ {
		require.NoError(t, limiter.Allow())
	}
}

func TestLimiter_SetRate(t *testing.T) {
	clock := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := NewLimiterWithClock(1, 1, clock.Now)

	require.NoError(t, limiter.Allow())
	require.Error(t, limiter.Allow())

	limiter.SetRate(0, 1)
	assert.NoError(t, limiter.Allow(), "unlimited after reload")

	limiter.SetRate(120, 2)
	perMinute, burst, _ := limiter.Stats()
	assert.Equal(t, 120, perMinute)
	assert.Equal(t, 2, burst)
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	limiter := NewLimiter(1, 1)
	require.NoError(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	assert.Error(t, err, "next token is a minute away")
}

func TestLimiter_SharedAcrossGoroutines(t *testing.T) {
	clock := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := NewLimiterWithClock(60, 5, clock.Now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow() == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed, "burst bounds concurrent callers at one instant")
}

func TestLimiter_Stats(t *testing.T) {
	clock := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := NewLimiterWithClock(30, 2, clock.Now)

	_, _, available := limiter.Stats()
	assert.InDelta(t, 2.0, available, 0.001)

	require.NoError(t, limiter.Allow())
	_, _, available = limiter.Stats()
	assert.InDelta(t, 1.0, available, 0.001)
}
