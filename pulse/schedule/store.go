package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
)

// SlotLayout is the minute-slot key layout for clock-triggered runs (UTC)
const SlotLayout = "200601021504"

// SlotKey returns the dedupe key for the minute containing t
func SlotKey(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format(SlotLayout)
}

// ParseSlotKey is the inverse of SlotKey
func ParseSlotKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(SlotLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid slot key %q", key)
	}
	return t, nil
}

// Store handles persistence of templates and schedules
type Store struct {
	db *sql.DB
	q  db.DBTX
}

// NewStore creates a new schedule store
func NewStore(database *sql.DB) *Store {
	return &Store{db: database, q: database}
}

// WithTx returns a store whose statements run inside tx
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: s.db, q: tx}
}

// CreateTemplate inserts a template
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO templates (id, user_id, board_ref, subject, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.BoardRef, t.Subject, t.Body,
		db.FormatTime(t.CreatedAt), db.FormatTime(t.UpdatedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Mark(errors.Wrapf(err, "template %s already exists", t.ID), errors.ErrConflict)
		}
		return errors.Wrapf(err, "failed to create template %s", t.ID)
	}
	return nil
}

// UpsertTemplate inserts or replaces a template's content (edits take effect
// for jobs created afterwards; existing jobs keep their rendered payload)
func (s *Store) UpsertTemplate(ctx context.Context, t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO templates (id, user_id, board_ref, subject, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			board_ref = excluded.board_ref,
			subject = excluded.subject,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		t.ID, t.UserID, t.BoardRef, t.Subject, t.Body,
		db.FormatTime(t.CreatedAt), db.FormatTime(t.UpdatedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to upsert template %s", t.ID)
	}
	return nil
}

// GetTemplate retrieves a template by ID
func (s *Store) GetTemplate(ctx context.Context, id string) (*Template, error) {
	var (
		t                    Template
		createdAt, updatedAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, board_ref, subject, body, created_at, updated_at
		FROM templates WHERE id = ?`, id).Scan(
		&t.ID, &t.UserID, &t.BoardRef, &t.Subject, &t.Body, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("template %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get template %s", id)
	}
	if t.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

const scheduleColumns = `id, user_id, template_id, cron_expr, interval_minutes, max_posts_per_day,
	posts_per_run, timezone, sync_after_post, status, created_at, updated_at`

// CreateSchedule inserts a schedule after validation
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule) error {
	return s.writeSchedule(ctx, sched, false)
}

// UpsertSchedule inserts a schedule or replaces its configuration. Status is
// preserved for existing schedules so an import never re-activates a pause.
func (s *Store) UpsertSchedule(ctx context.Context, sched *Schedule) error {
	return s.writeSchedule(ctx, sched, true)
}

func (s *Store) writeSchedule(ctx context.Context, sched *Schedule, upsert bool) error {
	if sched.Status == "" {
		sched.Status = StatusActive
	}
	if sched.PostsPerRun == 0 {
		sched.PostsPerRun = 1
	}
	if err := sched.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now

	query := `INSERT INTO schedules (` + scheduleColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		query += `
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			template_id = excluded.template_id,
			cron_expr = excluded.cron_expr,
			interval_minutes = excluded.interval_minutes,
			max_posts_per_day = excluded.max_posts_per_day,
			posts_per_run = excluded.posts_per_run,
			timezone = excluded.timezone,
			sync_after_post = excluded.sync_after_post,
			updated_at = excluded.updated_at`
	}

	_, err := s.q.ExecContext(ctx, query,
		sched.ID, sched.UserID, sched.TemplateID,
		nullString(sched.CronExpr), nullInt(sched.IntervalMinutes),
		sched.MaxPostsPerDay, sched.PostsPerRun, sched.Timezone, sched.SyncAfterPost,
		sched.Status, db.FormatTime(sched.CreatedAt), db.FormatTime(sched.UpdatedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Mark(errors.Wrapf(err, "schedule %s already exists", sched.ID), errors.ErrConflict)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return errors.NewInvalidRequestError("schedule %s: template %s does not exist", sched.ID, sched.TemplateID)
		}
		return errors.Wrapf(err, "failed to write schedule %s", sched.ID)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return sched, nil
}

// ListSchedules returns schedules ordered by creation; status "" lists all
func (s *Store) ListSchedules(ctx context.Context, status string) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// SetStatus changes a schedule's status. Returns ErrNotFound for unknown IDs.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	if status != StatusActive && status != StatusPaused {
		return errors.NewInvalidRequestError("unknown schedule status %q", status)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`,
		status, db.FormatTime(time.Now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set schedule %s to %s", id, status)
	}
	ok, err := db.RowsAffectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFoundError("schedule %s", id)
	}
	return nil
}

// LastClockSlot returns the slot of the most recent clock-triggered run, if any
func (s *Store) LastClockSlot(ctx context.Context, scheduleID string) (time.Time, bool, error) {
	var slot sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT MAX(slot_key) FROM runs WHERE schedule_id = ? AND trigger = 'CLOCK'`,
		scheduleID).Scan(&slot)
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "failed to read last slot for schedule %s", scheduleID)
	}
	if !slot.Valid {
		return time.Time{}, false, nil
	}
	t, err := ParseSlotKey(slot.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SlotTaken reports whether a run already exists for the schedule's slot
func (s *Store) SlotTaken(ctx context.Context, scheduleID, slotKey string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM runs WHERE schedule_id = ? AND slot_key = ?)`,
		scheduleID, slotKey).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check slot %s for schedule %s", slotKey, scheduleID)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched                Schedule
		cronExpr             sql.NullString
		interval             sql.NullInt64
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&sched.ID, &sched.UserID, &sched.TemplateID, &cronExpr, &interval,
		&sched.MaxPostsPerDay, &sched.PostsPerRun, &sched.Timezone, &sched.SyncAfterPost,
		&sched.Status, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	sched.CronExpr = cronExpr.String
	sched.IntervalMinutes = int(interval.Int64)

	var err error
	if sched.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if sched.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sched, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i != 0}
}

// String renders a compact trigger description for logs and tables
func (s *Schedule) String() string {
	if s.IsCron() {
		return fmt.Sprintf("cron(%s)", s.CronExpr)
	}
	return fmt.Sprintf("every %dm", s.IntervalMinutes)
}
