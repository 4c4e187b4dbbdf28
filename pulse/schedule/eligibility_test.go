package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/budget"
)

func newTestStateManager(t *testing.T) (*StateManager, *Store) {
	t.Helper()
	store := NewStore(createTestDB(t))
	seedTemplate(t, store, "tpl")
	dayCap := budget.NewDayCap(nil)
	return NewStateManager(store, dayCap, time.UTC, zap.NewNop().Sugar()), store
}

func TestEligibilityTracksDayCap(t *testing.T) {
	m, store := newTestStateManager(t)
	ctx := context.Background()
	seedSchedule(t, store, &Schedule{ID: "s1", IntervalMinutes: 60, MaxPostsPerDay: 2})
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	e, err := m.IsEligible(ctx, "s1", now)
	require.NoError(t, err)
	assert.True(t, e.Eligible)
	assert.Equal(t, 2, e.Remaining)
	assert.Equal(t, "2026-03-02", e.Day)

	granted, err := m.dayCap.Reserve(ctx, store.q, "s1", e.Day, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)

	e, err = m.IsEligible(ctx, "s1", now)
	require.NoError(t, err)
	assert.False(t, e.Eligible)
	assert.Equal(t, ReasonDayCapReached, e.Reason)
	assert.Zero(t, e.Remaining)

	// A new calendar day resets the cap
	e, err = m.IsEligible(ctx, "s1", now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, e.Eligible)
	assert.Equal(t, 2, e.Remaining)
}

func TestEligibilityDayFollowsScheduleTimezone(t *testing.T) {
	m, store := newTestStateManager(t)
	sched := seedSchedule(t, store, &Schedule{ID: "tokyo", IntervalMinutes: 60, Timezone: "Asia/Tokyo"})

	// 15:30 UTC is already tomorrow in Tokyo
	now := time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-03", m.DayKey(sched, now))

	e, err := m.Evaluate(context.Background(), sched, now)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-03", e.Day)
	assert.True(t, e.ResetsAt.Equal(time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)), "resets at Tokyo midnight, got %s", e.ResetsAt)
}

func TestPauseAndActivate(t *testing.T) {
	m, store := newTestStateManager(t)
	ctx := context.Background()
	seedSchedule(t, store, &Schedule{ID: "s1", IntervalMinutes: 60})
	now := time.Now()

	require.NoError(t, m.Pause(ctx, "s1"))
	e, err := m.IsEligible(ctx, "s1", now)
	require.NoError(t, err)
	assert.False(t, e.Eligible)
	assert.Equal(t, ReasonPaused, e.Reason)

	require.NoError(t, m.Activate(ctx, "s1"))
	e, err = m.IsEligible(ctx, "s1", now)
	require.NoError(t, err)
	assert.True(t, e.Eligible)

	assert.True(t, errors.IsNotFound(m.Pause(ctx, "missing")))
	_, err = m.IsEligible(ctx, "missing", now)
	assert.True(t, errors.IsNotFound(err))
}
