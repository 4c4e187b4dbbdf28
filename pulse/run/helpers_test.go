package run

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/db"
	pptest "github.com/teranos/postpulse/internal/testing"
	"github.com/teranos/postpulse/pulse/async"
)

type fixture struct {
	db    *sql.DB
	runs  *Store
	jobs  *async.Store
	agg   *Aggregator
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := pptest.CreateTestDB(t)

	ts := db.FormatTime(time.Now())
	_, err := database.Exec(`
		INSERT INTO templates (id, user_id, board_ref, subject, body, created_at, updated_at)
		VALUES ('tpl', 'u1', 'general', 's', 'b', ?, ?)`, ts, ts)
	require.NoError(t, err)
	_, err = database.Exec(`
		INSERT INTO schedules (id, user_id, template_id, interval_minutes, max_posts_per_day, created_at, updated_at)
		VALUES ('sch', 'u1', 'tpl', 60, 5, ?, ?)`, ts, ts)
	require.NoError(t, err)

	f := &fixture{
		db:    database,
		runs:  NewStore(database),
		jobs:  async.NewStore(database),
		clock: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.agg = NewAggregator(database, f.runs, f.jobs, zap.NewNop().Sugar())
	f.agg.SetClock(func() time.Time { return f.clock })
	return f
}

// newRun creates a run holding one job per user, all of jobType
func (f *fixture) newRun(t *testing.T, slot string, jobType async.JobType, users ...string) (*Run, []*async.Job) {
	t.Helper()
	ctx := context.Background()

	r := NewRun("sch", TriggerManual, slot, f.clock.Format(db.DayLayout), f.clock)
	r.TotalJobs = len(users)
	ok, err := f.runs.Create(ctx, r)
	require.NoError(t, err)
	require.True(t, ok)

	jobs := make([]*async.Job, 0, len(users))
	for _, u := range users {
		job, err := async.NewJob(r.ID, u, jobType, nil, 3, f.clock)
		require.NoError(t, err)
		require.NoError(t, f.jobs.CreateJob(ctx, job))
		jobs = append(jobs, job)
	}
	return r, jobs
}

// finish claims the job and moves it to outcome, concluding it on the run
func (f *fixture) finish(t *testing.T, job *async.Job, outcome async.JobStatus) {
	t.Helper()
	ctx := context.Background()

	err := db.WithTx(ctx, f.db, func(tx *sql.Tx) error {
		store := f.jobs.WithTx(tx)
		var (
			ok  bool
			err error
		)
		switch outcome {
		case async.JobStatusCompleted:
			ok, err = store.Complete(ctx, job.ID, nil, f.clock)
		case async.JobStatusFailed:
			ok, err = store.Fail(ctx, job.ID, async.JobStatusProcessing, async.ReasonTerminalError, "boom", f.clock)
		}
		if err != nil {
			return err
		}
		require.True(t, ok, "job %s lost its claim", job.ID)
		return f.agg.Conclude(ctx, tx, job.RunID, outcome, 1)
	})
	require.NoError(t, err)
}

// claim claims the next eligible job and reports it to the aggregator
func (f *fixture) claim(t *testing.T) *async.Job {
	t.Helper()
	got, err := f.jobs.Claim(context.Background(), f.clock)
	require.NoError(t, err)
	require.NotNil(t, got, "nothing claimable")
	require.NoError(t, f.agg.JobStarted(context.Background(), got.RunID))
	return got
}
