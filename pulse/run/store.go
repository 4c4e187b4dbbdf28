package run

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/async"
)

const runColumns = `id, schedule_id, trigger, slot_key, run_date, started_at, finished_at,
	total_jobs, completed_jobs, failed_jobs, cancelled_jobs, status, cancel_requested,
	created_at, updated_at`

// Store handles persistence of runs
type Store struct {
	db *sql.DB
	q  db.DBTX
}

// NewStore creates a new run store
func NewStore(database *sql.DB) *Store {
	return &Store{db: database, q: database}
}

// WithTx returns a store whose statements run inside tx
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: s.db, q: tx}
}

// Create inserts r. Returns false without error when a run already holds the
// same schedule slot; ad-hoc runs have no slot and always insert.
func (s *Store) Create(ctx context.Context, r *Run) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (schedule_id, slot_key) DO NOTHING`,
		r.ID, r.ScheduleID, string(r.Trigger), nullString(r.SlotKey), r.RunDate,
		db.FormatTime(r.StartedAt), db.NullTime(r.FinishedAt),
		r.TotalJobs, r.CompletedJobs, r.FailedJobs, r.CancelledJobs,
		string(r.Status), r.CancelRequested,
		db.FormatTime(r.CreatedAt), db.FormatTime(r.UpdatedAt))
	if err != nil {
		err = errors.Wrap(err, "failed to create run")
		err = errors.WithDetailf(err, "Schedule ID: %s", r.ScheduleID)
		return false, errors.WithDetailf(err, "Slot: %s", r.SlotKey)
	}
	return db.RowsAffectedOne(res)
}

// Get retrieves a run by ID
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}
	return r, nil
}

// List returns one page of a schedule's runs, newest first. page is 1-based.
func (s *Store) List(ctx context.Context, scheduleID string, page, limit int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE schedule_id = ?`, scheduleID).Scan(&total); err != nil {
		return nil, errors.Wrapf(err, "failed to count runs for schedule %s", scheduleID)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE schedule_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		scheduleID, limit, (page-1)*limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list runs for schedule %s", scheduleID)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	return &Page{
		Runs:    runs,
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasMore: page*limit < total,
	}, nil
}

// ListOpenStartedBefore returns unfinalized runs started before cutoff
func (s *Store) ListOpenStartedBefore(ctx context.Context, cutoff time.Time) ([]*Run, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE finished_at IS NULL AND started_at < ?
		ORDER BY started_at`, db.FormatTime(cutoff))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list open runs")
	}
	return scanRuns(rows)
}

// MarkRunning moves a PENDING run to RUNNING. No-op otherwise.
func (s *Store) MarkRunning(ctx context.Context, id string, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE runs SET status = 'RUNNING', updated_at = ?
		WHERE id = ? AND status = 'PENDING' AND finished_at IS NULL`,
		db.FormatTime(now), id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark run %s running", id)
	}
	return nil
}

// Increment adds n to the counter for outcome. The guard keeps
// completed + failed + cancelled <= total and refuses finalized runs, so the
// statement matches zero rows instead of breaking the invariant.
func (s *Store) Increment(ctx context.Context, id string, outcome async.JobStatus, n int, now time.Time) (bool, error) {
	var column string
	switch outcome {
	case async.JobStatusCompleted:
		column = "completed_jobs"
	case async.JobStatusFailed:
		column = "failed_jobs"
	case async.JobStatusCancelled:
		column = "cancelled_jobs"
	default:
		return false, errors.Newf("outcome %s is not terminal", outcome)
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE runs
		SET `+column+` = `+column+` + ?, status = CASE WHEN status = 'PENDING' THEN 'RUNNING' ELSE status END,
		    updated_at = ?
		WHERE id = ?
		  AND finished_at IS NULL
		  AND completed_jobs + failed_jobs + cancelled_jobs + ? <= total_jobs`,
		n, db.FormatTime(now), id, n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to increment %s for run %s", column, id)
	}
	return db.RowsAffectedOne(res)
}

// FinalizeIfDone sets finished_at and the final status once every job has
// concluded. Returns the run and whether this call finalized it.
func (s *Store) FinalizeIfDone(ctx context.Context, id string, now time.Time) (*Run, bool, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !r.IsOpen() || r.Concluded() < r.TotalJobs {
		return r, false, nil
	}
	return s.finalize(ctx, r, now)
}

// ForceFinalize finalizes an open run regardless of outstanding work. Jobs
// the counters never heard about are counted as failed so the totals add up.
func (s *Store) ForceFinalize(ctx context.Context, id string, now time.Time) (*Run, bool, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !r.IsOpen() {
		return r, false, nil
	}
	if missing := r.TotalJobs - r.Concluded(); missing > 0 {
		r.FailedJobs += missing
	}
	return s.finalize(ctx, r, now)
}

func (s *Store) finalize(ctx context.Context, r *Run, now time.Time) (*Run, bool, error) {
	status := FinalStatus(r.CompletedJobs, r.FailedJobs, r.CancelledJobs, r.TotalJobs, r.CancelRequested)
	ts := db.FormatTime(now)

	res, err := s.q.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, failed_jobs = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND finished_at IS NULL`,
		string(status), r.FailedJobs, ts, ts, r.ID)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to finalize run %s", r.ID)
	}
	ok, err := db.RowsAffectedOne(res)
	if err != nil || !ok {
		return r, false, err
	}

	finished := now.UTC()
	r.Status = status
	r.FinishedAt = &finished
	r.UpdatedAt = finished
	return r, true, nil
}

// RequestCancel flags an open run as cancelled by the operator
func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE runs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND finished_at IS NULL`,
		db.FormatTime(now), id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to request cancel for run %s", id)
	}
	return db.RowsAffectedOne(res)
}

// CountByStatus returns run counts keyed by status
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count runs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan run count")
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                    Run
		trigger, status      string
		slot, finished       sql.NullString
		started, created, up string
	)
	if err := row.Scan(&r.ID, &r.ScheduleID, &trigger, &slot, &r.RunDate, &started, &finished,
		&r.TotalJobs, &r.CompletedJobs, &r.FailedJobs, &r.CancelledJobs, &status, &r.CancelRequested,
		&created, &up); err != nil {
		return nil, err
	}

	r.Trigger = Trigger(trigger)
	r.Status = Status(status)
	r.SlotKey = slot.String

	var err error
	if r.StartedAt, err = db.ParseTime(started); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = db.ParseNullTime(finished); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = db.ParseTime(up); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate runs")
	}
	return runs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
