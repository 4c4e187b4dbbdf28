package run

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/async"
)

// One run, three users: two posts land, one is rejected. The run must end
// PARTIAL_FAILED with counters that add up to the total.
func TestRunPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, _ := f.newRun(t, "", async.JobTypeCreatePost, "u1", "u2", "u3")

	outcomes := []async.JobStatus{async.JobStatusCompleted, async.JobStatusFailed, async.JobStatusCompleted}
	for i, outcome := range outcomes {
		job := f.claim(t)
		f.finish(t, job, outcome)

		got, err := f.runs.Get(ctx, r.ID)
		require.NoError(t, err)
		if i < len(outcomes)-1 {
			assert.True(t, got.IsOpen(), "run finalized with jobs outstanding")
			assert.Equal(t, StatusRunning, got.Status)
		}
	}

	got, err := f.agg.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailed, got.Status)
	assert.Equal(t, 2, got.CompletedJobs)
	assert.Equal(t, 1, got.FailedJobs)
	assert.Equal(t, got.TotalJobs, got.Concluded())
	require.NotNil(t, got.FinishedAt)
	require.Len(t, got.Jobs, 3)
}

func TestRunAllCompleted(t *testing.T) {
	f := newFixture(t)
	r, _ := f.newRun(t, "", async.JobTypeCreatePost, "u1", "u2")

	f.finish(t, f.claim(t), async.JobStatusCompleted)
	f.finish(t, f.claim(t), async.JobStatusCompleted)

	got, err := f.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.False(t, got.IsOpen())
}

func TestConcludeRejectsOvercount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, _ := f.newRun(t, "", async.JobTypeCreatePost, "u1")

	err := db.WithTx(ctx, f.db, func(tx *sql.Tx) error {
		return f.agg.Conclude(ctx, tx, r.ID, async.JobStatusCompleted, 2)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	got, err := f.runs.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Concluded())
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, _ := f.newRun(t, "", async.JobTypeCreatePost, "u1", "u2", "u3")

	// One job is mid-flight when the operator cancels
	inflight := f.claim(t)

	got, err := f.agg.Cancel(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen(), "processing job must be allowed to finish")
	assert.True(t, got.CancelRequested)
	assert.Equal(t, 2, got.CancelledJobs)

	// Nothing left to claim
	next, err := f.jobs.Claim(ctx, f.clock)
	require.NoError(t, err)
	assert.Nil(t, next)

	f.finish(t, inflight, async.JobStatusCompleted)

	got, err = f.runs.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 1, got.CompletedJobs)
	assert.False(t, got.IsOpen())

	_, err = f.agg.Cancel(ctx, r.ID)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestCancelEmptyRunFinalizes(t *testing.T) {
	f := newFixture(t)
	r, _ := f.newRun(t, "", async.JobTypeCreatePost)

	got, err := f.agg.Cancel(context.Background(), r.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOpen())
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestCancelUnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.agg.Cancel(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestWatchdogExpiresStaleRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, _ := f.newRun(t, "", async.JobTypeCreatePost, "u1", "u2", "u3")
	done := f.claim(t)
	f.finish(t, done, async.JobStatusCompleted)
	wedged := f.claim(t)

	f.clock = f.clock.Add(2 * time.Hour)
	fresh, _ := f.newRun(t, "", async.JobTypeCreatePost, "u4")

	wd := NewWatchdog(ctx, f.agg, time.Hour, time.Minute, nil, zap.NewNop().Sugar())
	n, err := wd.Sweep(ctx, f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.agg.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOpen())
	assert.Equal(t, StatusPartialFailed, got.Status)
	assert.Equal(t, 1, got.CompletedJobs)
	assert.Equal(t, 2, got.FailedJobs)
	for _, j := range got.Jobs {
		if j.ID == done.ID {
			continue
		}
		assert.Equal(t, async.JobStatusFailed, j.Status)
		assert.Equal(t, async.ReasonRunTimeout, j.Reason)
	}

	// The wedged worker's late completion loses its claim
	ok, err := f.jobs.Complete(ctx, wedged.ID, nil, f.clock)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := f.runs.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, other.IsOpen())

	n, err = wd.Sweep(ctx, f.clock)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWatchdogDisabled(t *testing.T) {
	f := newFixture(t)
	f.newRun(t, "", async.JobTypeCreatePost, "u1")

	wd := NewWatchdog(context.Background(), f.agg, 0, time.Minute, nil, zap.NewNop().Sugar())
	n, err := wd.Sweep(context.Background(), f.clock.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWatchdogStartStop(t *testing.T) {
	f := newFixture(t)
	wd := NewWatchdog(context.Background(), f.agg, time.Hour, 10*time.Millisecond, nil, zap.NewNop().Sugar())
	wd.Start()
	time.Sleep(30 * time.Millisecond)
	wd.Stop()
}

func TestWatchdogPeriodicSweepUsesInjectedClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, _ := f.newRun(t, "", async.JobTypeCreatePost, "u1")

	// By the wall clock the run is months old; by the injected clock it just started
	wd := NewWatchdog(ctx, f.agg, time.Hour, 5*time.Millisecond, func() time.Time { return f.clock }, zap.NewNop().Sugar())
	wd.Start()
	time.Sleep(30 * time.Millisecond)
	wd.Stop()

	got, err := f.runs.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen(), "sweeps must not read the wall clock")

	later := f.clock.Add(2 * time.Hour)
	wd = NewWatchdog(ctx, f.agg, time.Hour, 5*time.Millisecond, func() time.Time { return later }, zap.NewNop().Sugar())
	wd.Start()
	defer wd.Stop()
	require.Eventually(t, func() bool {
		got, err := f.runs.Get(ctx, r.ID)
		return err == nil && !got.IsOpen()
	}, 2*time.Second, 5*time.Millisecond)
}
