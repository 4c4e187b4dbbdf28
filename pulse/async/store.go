package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
)

// Store handles persistence of jobs.
//
// Every status change is a compare-and-swap on the current status, so a
// transition that lost a race (a watchdog timeout against a late worker, a
// cancel against a claim) affects zero rows and reports false instead of
// overwriting a terminal state.
type Store struct {
	db *sql.DB
	q  db.DBTX
}

// NewStore creates a new job store
func NewStore(database *sql.DB) *Store {
	return &Store{db: database, q: database}
}

// WithTx returns a store whose statements run inside tx
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: s.db, q: tx}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO jobs (
			id, run_id, user_id, type, status, payload,
			attempts, max_attempts, not_before, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RunID, job.UserID, string(job.Type), string(job.Status), string(job.Payload),
		job.Attempts, job.MaxAttempts,
		db.FormatTime(job.NotBefore), db.FormatTime(job.CreatedAt), db.FormatTime(job.UpdatedAt),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		return errors.WithDetailf(err, "Job ID: %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+StandardJobSelectColumns()+` FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs, newest first, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return scanJobs(rows)
}

// ListRunJobs returns every job of a run in creation order
func (s *Store) ListRunJobs(ctx context.Context, runID string) ([]*Job, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+StandardJobSelectColumns()+`
		FROM jobs WHERE run_id = ?
		ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs for run %s", runID)
	}
	return scanJobs(rows)
}

// Claim atomically moves the oldest eligible PENDING job to PROCESSING and
// returns it, or nil when nothing is claimable.
//
// Eligible means not_before has passed and, unless the job is itself an
// INIT_SESSION, no INIT_SESSION job for the same run and user is still short
// of COMPLETED. The inner SELECT and the status guard run as one statement,
// so two workers can never both claim the same row.
func (s *Store) Claim(ctx context.Context, now time.Time) (*Job, error) {
	ts := db.FormatTime(now)
	row := s.q.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'PROCESSING', attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = (
			SELECT j.id FROM jobs j
			WHERE j.status = 'PENDING'
			  AND j.not_before <= ?
			  AND (j.type = 'INIT_SESSION' OR NOT EXISTS (
				SELECT 1 FROM jobs s
				WHERE s.run_id = j.run_id
				  AND s.user_id = j.user_id
				  AND s.type = 'INIT_SESSION'
				  AND s.status <> 'COMPLETED'))
			ORDER BY j.not_before, j.created_at, j.id
			LIMIT 1)
		  AND status = 'PENDING'
		RETURNING `+StandardJobSelectColumns(),
		ts, ts, ts)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	return job, nil
}

// transition applies a guarded status change. Returns false when the job was
// not in from (already moved by someone else).
func (s *Store) transition(ctx context.Context, id string, from, to JobStatus, set string, args ...interface{}) (bool, error) {
	if !CanTransition(from, to) {
		return false, errors.Mark(
			errors.Newf("job %s: %s -> %s", id, from, to), errors.ErrInvalidTransition)
	}

	query := `UPDATE jobs SET status = ?, ` + set + ` WHERE id = ? AND status = ?`
	all := append([]interface{}{string(to)}, args...)
	all = append(all, id, string(from))

	res, err := s.q.ExecContext(ctx, query, all...)
	if err != nil {
		err = errors.Wrapf(err, "failed to move job %s to %s", id, to)
		return false, errors.WithDetailf(err, "Expected status: %s", from)
	}
	return db.RowsAffectedOne(res)
}

// Complete moves a PROCESSING job to COMPLETED with an optional result
func (s *Store) Complete(ctx context.Context, id string, result []byte, now time.Time) (bool, error) {
	ts := db.FormatTime(now)
	res := sql.NullString{String: string(result), Valid: len(result) > 0}
	return s.transition(ctx, id, JobStatusProcessing, JobStatusCompleted,
		`result = ?, last_error = NULL, finished_at = ?, updated_at = ?`, res, ts, ts)
}

// Requeue moves a PROCESSING job back to PENDING, eligible again at notBefore
func (s *Store) Requeue(ctx context.Context, id, lastErr string, notBefore, now time.Time) (bool, error) {
	return s.transition(ctx, id, JobStatusProcessing, JobStatusPending,
		`last_error = ?, not_before = ?, started_at = NULL, updated_at = ?`,
		lastErr, db.FormatTime(notBefore), db.FormatTime(now))
}

// Release returns a PROCESSING job to PENDING without spending an attempt.
// Used when a worker gives a job back before calling the platform.
func (s *Store) Release(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.transition(ctx, id, JobStatusProcessing, JobStatusPending,
		`attempts = MAX(attempts - 1, 0), started_at = NULL, updated_at = ?`, db.FormatTime(now))
}

// Fail moves a job from PENDING or PROCESSING to FAILED with a reason
func (s *Store) Fail(ctx context.Context, id string, from JobStatus, reason, lastErr string, now time.Time) (bool, error) {
	ts := db.FormatTime(now)
	return s.transition(ctx, id, from, JobStatusFailed,
		`reason = ?, last_error = ?, finished_at = ?, updated_at = ?`, reason, lastErr, ts, ts)
}

// bulkUpdate runs an UPDATE ... RETURNING id and collects the ids
func (s *Store) bulkUpdate(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FailPendingDependents fails every PENDING non-INIT_SESSION job of userID in
// runID without attempting it. Returns the affected job IDs.
func (s *Store) FailPendingDependents(ctx context.Context, runID, userID, reason, lastErr string, now time.Time) ([]string, error) {
	ts := db.FormatTime(now)
	ids, err := s.bulkUpdate(ctx, `
		UPDATE jobs
		SET status = 'FAILED', reason = ?, last_error = ?, finished_at = ?, updated_at = ?
		WHERE run_id = ? AND user_id = ? AND type <> 'INIT_SESSION' AND status = 'PENDING'
		RETURNING id`,
		reason, lastErr, ts, ts, runID, userID)
	if err != nil {
		err = errors.Wrapf(err, "failed to fail dependents in run %s", runID)
		return nil, errors.WithDetailf(err, "User ID: %s", userID)
	}
	return ids, nil
}

// CancelPendingForRun cancels every PENDING job of a run
func (s *Store) CancelPendingForRun(ctx context.Context, runID string, now time.Time) ([]string, error) {
	ts := db.FormatTime(now)
	ids, err := s.bulkUpdate(ctx, `
		UPDATE jobs
		SET status = 'CANCELLED', reason = ?, finished_at = ?, updated_at = ?
		WHERE run_id = ? AND status = 'PENDING'
		RETURNING id`,
		ReasonRunCancelled, ts, ts, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to cancel jobs for run %s", runID)
	}
	return ids, nil
}

// FailOutstandingForRun fails every PENDING or PROCESSING job of a run
func (s *Store) FailOutstandingForRun(ctx context.Context, runID, reason string, now time.Time) ([]string, error) {
	ts := db.FormatTime(now)
	ids, err := s.bulkUpdate(ctx, `
		UPDATE jobs
		SET status = 'FAILED', reason = ?, last_error = COALESCE(last_error, ?), finished_at = ?, updated_at = ?
		WHERE run_id = ? AND status IN ('PENDING', 'PROCESSING')
		RETURNING id`,
		reason, "run deadline exceeded", ts, ts, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fail outstanding jobs for run %s", runID)
	}
	return ids, nil
}

// RecoverOrphans returns jobs left PROCESSING by a crashed process to
// PENDING. The interrupted attempt is not counted.
func (s *Store) RecoverOrphans(ctx context.Context, now time.Time) ([]string, error) {
	ts := db.FormatTime(now)
	ids, err := s.bulkUpdate(ctx, `
		UPDATE jobs
		SET status = 'PENDING', attempts = MAX(attempts - 1, 0), started_at = NULL,
		    not_before = ?, updated_at = ?
		WHERE status = 'PROCESSING'
		RETURNING id`,
		ts, ts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to recover orphaned jobs")
	}
	return ids, nil
}

// CountByStatus returns job counts keyed by status
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate job counts")
	}
	return counts, nil
}

// CountOpenForRun counts the PENDING and PROCESSING jobs of a run
func (s *Store) CountOpenForRun(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE run_id = ? AND status IN ('PENDING', 'PROCESSING')`, runID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count open jobs for run %s", runID)
	}
	return n, nil
}
