package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/pulse/session"
)

// createTestLogger creates a no-op logger for testing
func createTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// seedRun inserts the template, schedule and run rows a job needs for its
// foreign keys and returns the run ID.
func seedRun(t *testing.T, database *sql.DB, runID string) string {
	t.Helper()
	ctx := context.Background()
	ts := db.FormatTime(time.Now())

	_, err := database.ExecContext(ctx, `
		INSERT OR IGNORE INTO templates (id, user_id, board_ref, subject, body, created_at, updated_at)
		VALUES ('tpl', 'u1', 'general', 's', 'b', ?, ?)`, ts, ts)
	require.NoError(t, err)
	_, err = database.ExecContext(ctx, `
		INSERT OR IGNORE INTO schedules (id, user_id, template_id, interval_minutes, max_posts_per_day, created_at, updated_at)
		VALUES ('sch', 'u1', 'tpl', 60, 5, ?, ?)`, ts, ts)
	require.NoError(t, err)
	_, err = database.ExecContext(ctx, `
		INSERT INTO runs (id, schedule_id, trigger, run_date, started_at, total_jobs, status, created_at, updated_at)
		VALUES (?, 'sch', 'MANUAL', ?, ?, 0, 'PENDING', ?, ?)`,
		runID, time.Now().UTC().Format(db.DayLayout), ts, ts, ts)
	require.NoError(t, err)
	return runID
}

// enqueueJob creates and enqueues a job of jobType for userID in runID
func enqueueJob(t *testing.T, q *Queue, runID, userID string, jobType JobType, at time.Time) *Job {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"board_ref": "general"})
	require.NoError(t, err)
	job, err := NewJob(runID, userID, jobType, payload, 3, at)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), job))
	return job
}

// recordingTracker is a RunTracker that counts outcomes per run
type recordingTracker struct {
	mu       sync.Mutex
	started  map[string]int
	outcomes map[string]map[JobStatus]int
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{
		started:  make(map[string]int),
		outcomes: make(map[string]map[JobStatus]int),
	}
}

func (r *recordingTracker) JobStarted(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[runID]++
	return nil
}

func (r *recordingTracker) Conclude(ctx context.Context, tx *sql.Tx, runID string, outcome JobStatus, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes[runID] == nil {
		r.outcomes[runID] = make(map[JobStatus]int)
	}
	r.outcomes[runID][outcome] += n
	return nil
}

func (r *recordingTracker) count(runID string, outcome JobStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[runID][outcome]
}

// staticGate reports a fixed session state per user; unknown users are usable
type staticGate struct {
	mu       sync.Mutex
	unusable map[string]string
	checks   int
}

func (g *staticGate) GetSessionState(ctx context.Context, userID string) (session.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	if reason, ok := g.unusable[userID]; ok {
		return session.State{Usable: false, Reason: reason}, nil
	}
	return session.State{Usable: true, SessionID: "sess-" + userID}, nil
}

func (g *staticGate) RefreshSession(ctx context.Context, userID string) (session.State, error) {
	return session.State{}, fmt.Errorf("refresh not supported by staticGate")
}

// waitForStatus polls until the job reaches want or the deadline passes
func waitForStatus(t *testing.T, store *Store, id string, want JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetJob(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}
