package schedule

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/postpulse/db"
	pptest "github.com/teranos/postpulse/internal/testing"
)

// createTestDB creates a migrated test database.
func createTestDB(t *testing.T) *sql.DB {
	return pptest.CreateTestDB(t)
}

// seedTemplate inserts a minimal template for schedule tests.
func seedTemplate(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateTemplate(context.Background(), &Template{
		ID:       id,
		UserID:   "u1",
		BoardRef: "general",
		Subject:  "Daily {{.Date}}",
		Body:     "Post #{{.Sequence}}",
	}))
}

// seedSchedule inserts an ACTIVE schedule on template "tpl"
func seedSchedule(t *testing.T, store *Store, sched *Schedule) *Schedule {
	t.Helper()
	if sched.UserID == "" {
		sched.UserID = "u1"
	}
	if sched.TemplateID == "" {
		sched.TemplateID = "tpl"
	}
	if sched.MaxPostsPerDay == 0 {
		sched.MaxPostsPerDay = 3
	}
	require.NoError(t, store.CreateSchedule(context.Background(), sched))
	return sched
}

// recordClockRun inserts a clock-triggered run occupying slot
func recordClockRun(t *testing.T, database *sql.DB, scheduleID string, slot time.Time) {
	t.Helper()
	ts := db.FormatTime(slot)
	_, err := database.Exec(`
		INSERT INTO runs (id, schedule_id, trigger, slot_key, run_date, started_at, status, created_at, updated_at)
		VALUES (?, ?, 'CLOCK', ?, ?, ?, 'PENDING', ?, ?)`,
		"PX-"+scheduleID+"-"+SlotKey(slot), scheduleID, SlotKey(slot), slot.Format(db.DayLayout), ts, ts, ts)
	require.NoError(t, err)
}
