package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/postpulse/errors"
)

func TestCreateScheduleDefaults(t *testing.T) {
	store := NewStore(createTestDB(t))
	ctx := context.Background()
	seedTemplate(t, store, "tpl")

	seedSchedule(t, store, &Schedule{ID: "s1", IntervalMinutes: 60})

	got, err := store.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, got.PostsPerRun)
	assert.Equal(t, 60, got.IntervalMinutes)
	assert.False(t, got.IsCron())
	assert.Equal(t, "every 60m", got.String())

	err = store.CreateSchedule(ctx, &Schedule{ID: "s1", UserID: "u1", TemplateID: "tpl", IntervalMinutes: 5, MaxPostsPerDay: 1})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	err = store.CreateSchedule(ctx, &Schedule{ID: "s2", UserID: "u1", TemplateID: "nope", IntervalMinutes: 5, MaxPostsPerDay: 1})
	assert.True(t, errors.IsInvalidRequest(err), "unknown template: %v", err)

	_, err = store.GetSchedule(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestScheduleValidation(t *testing.T) {
	base := func() Schedule {
		return Schedule{ID: "s", UserID: "u1", TemplateID: "tpl", MaxPostsPerDay: 1, PostsPerRun: 1, Status: StatusActive}
	}
	tests := []struct {
		name   string
		modify func(s *Schedule)
	}{
		{"no trigger", func(s *Schedule) {}},
		{"both triggers", func(s *Schedule) { s.CronExpr, s.IntervalMinutes = "* * * * *", 5 }},
		{"negative interval", func(s *Schedule) { s.IntervalMinutes = -1 }},
		{"bad cron", func(s *Schedule) { s.CronExpr = "61 * * * *" }},
		{"zero cap", func(s *Schedule) { s.IntervalMinutes, s.MaxPostsPerDay = 5, 0 }},
		{"bad timezone", func(s *Schedule) { s.IntervalMinutes, s.Timezone = 5, "Mars/Olympus" }},
		{"unknown status", func(s *Schedule) { s.IntervalMinutes, s.Status = 5, "SLEEPING" }},
		{"no user", func(s *Schedule) { s.IntervalMinutes, s.UserID = 5, "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.modify(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequest(err), "%v", err)
		})
	}

	ok := base()
	ok.CronExpr = "@hourly"
	assert.NoError(t, ok.Validate())
}

func TestTemplateValidation(t *testing.T) {
	store := NewStore(createTestDB(t))
	ctx := context.Background()

	err := store.CreateTemplate(ctx, &Template{ID: "t1", UserID: "u1", BoardRef: "general", Subject: "{{.Date"})
	assert.True(t, errors.IsInvalidRequest(err))

	err = store.CreateTemplate(ctx, &Template{ID: "t2", UserID: "u1", Subject: "x"})
	assert.True(t, errors.IsInvalidRequest(err))

	seedTemplate(t, store, "tpl")
	require.NoError(t, store.UpsertTemplate(ctx, &Template{ID: "tpl", UserID: "u1", BoardRef: "news", Subject: "edited"}))

	got, err := store.GetTemplate(ctx, "tpl")
	require.NoError(t, err)
	assert.Equal(t, "news", got.BoardRef)
	assert.Equal(t, "edited", got.Subject)
}

func TestUpsertKeepsPause(t *testing.T) {
	store := NewStore(createTestDB(t))
	ctx := context.Background()
	seedTemplate(t, store, "tpl")
	seedSchedule(t, store, &Schedule{ID: "s1", IntervalMinutes: 60})

	require.NoError(t, store.SetStatus(ctx, "s1", StatusPaused))
	require.NoError(t, store.UpsertSchedule(ctx, &Schedule{
		ID: "s1", UserID: "u1", TemplateID: "tpl", CronExpr: "0 9 * * *", MaxPostsPerDay: 2,
	}))

	got, err := store.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status, "import must not re-activate a paused schedule")
	assert.Equal(t, "0 9 * * *", got.CronExpr)
	assert.Zero(t, got.IntervalMinutes)

	active, err := store.ListSchedules(ctx, StatusActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.ListSchedules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.True(t, errors.IsNotFound(store.SetStatus(ctx, "missing", StatusActive)))
	assert.True(t, errors.IsInvalidRequest(store.SetStatus(ctx, "s1", "SLEEPING")))
}

func TestSlotKeys(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 15, 42, 0, time.FixedZone("CET", 3600))
	key := SlotKey(at)
	assert.Equal(t, "202603020815", key)

	back, err := ParseSlotKey(key)
	require.NoError(t, err)
	assert.True(t, back.Equal(at.Truncate(time.Minute)))

	_, err = ParseSlotKey("yesterday")
	assert.Error(t, err)
}

func TestLastClockSlot(t *testing.T) {
	database := createTestDB(t)
	store := NewStore(database)
	ctx := context.Background()
	seedTemplate(t, store, "tpl")
	seedSchedule(t, store, &Schedule{ID: "s1", IntervalMinutes: 60})

	_, ok, err := store.LastClockSlot(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	first := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	recordClockRun(t, database, "s1", first)
	recordClockRun(t, database, "s1", first.Add(time.Hour))

	last, ok, err := store.LastClockSlot(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, last.Equal(first.Add(time.Hour)))

	taken, err := store.SlotTaken(ctx, "s1", SlotKey(first))
	require.NoError(t, err)
	assert.True(t, taken)
}
