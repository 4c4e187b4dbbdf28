package budget

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
)

// DayCap counts posts issued per schedule per calendar day.
// Counters are keyed by the day string the caller computes in the
// schedule's timezone, so the reset boundary follows that timezone.
type DayCap struct {
	now func() time.Time
}

// NewDayCap creates a day cap store
func NewDayCap(now func() time.Time) *DayCap {
	if now == nil {
		now = time.Now
	}
	return &DayCap{now: now}
}

// Issued returns how many posts were issued for scheduleID on day.
func (d *DayCap) Issued(ctx context.Context, q db.DBTX, scheduleID, day string) (int, error) {
	var issued int
	err := q.QueryRowContext(ctx,
		`SELECT issued FROM schedule_day_counters WHERE schedule_id = ? AND day = ?`,
		scheduleID, day).Scan(&issued)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read day counter for schedule %s", scheduleID)
	}
	return issued, nil
}

// Reserve tries to take want posts from the schedule's cap for day and
// returns how many were granted (0..want). Each post is a single conditional
// UPDATE, so concurrent reservers can never push issued past limit.
// Run it inside the transaction that creates the jobs so quota and jobs
// commit together.
func (d *DayCap) Reserve(ctx context.Context, q db.DBTX, scheduleID, day string, limit, want int) (int, error) {
	if want <= 0 || limit <= 0 {
		return 0, nil
	}

	now := db.FormatTime(d.now())
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO schedule_day_counters (schedule_id, day, issued, updated_at) VALUES (?, ?, 0, ?)`,
		scheduleID, day, now); err != nil {
		return 0, errors.Wrapf(err, "failed to initialize day counter for schedule %s", scheduleID)
	}

	granted := 0
	for granted < want {
		res, err := q.ExecContext(ctx,
			`UPDATE schedule_day_counters SET issued = issued + 1, updated_at = ?
			 WHERE schedule_id = ? AND day = ? AND issued < ?`,
			now, scheduleID, day, limit)
		if err != nil {
			return granted, errors.Wrapf(err, "failed to increment day counter for schedule %s", scheduleID)
		}
		ok, err := db.RowsAffectedOne(res)
		if err != nil {
			return granted, err
		}
		if !ok {
			break
		}
		granted++
	}
	return granted, nil
}
