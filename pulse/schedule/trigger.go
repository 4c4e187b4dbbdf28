package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
)

var (
	cronMu    sync.RWMutex
	cronCache = map[string]cron.Schedule{}
)

// ParseCron parses a 5-field standard expression or a descriptor (@daily).
// When both day-of-month and day-of-week are restricted, a day matches if
// either field does.
func ParseCron(expr string) (cron.Schedule, error) {
	cronMu.RLock()
	sched, ok := cronCache[expr]
	cronMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}

	cronMu.Lock()
	cronCache[expr] = sched
	cronMu.Unlock()
	return sched, nil
}

// CronMatches reports whether the minute containing t matches expr in loc
func CronMatches(expr string, t time.Time, loc *time.Location) (bool, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return false, err
	}
	minute := t.In(loc).Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}

// Due is a schedule selected for dispatch at a minute slot
type Due struct {
	Schedule *Schedule
	Slot     time.Time // Minute-truncated, UTC
	SlotKey  string
}

// TriggerEvaluator decides which ACTIVE schedules are due at a given time.
// Evaluation is read-only: repeated calls inside the same minute return the
// same slot until a run claims it, and the run's UNIQUE(schedule_id, slot_key)
// turns any race into a no-op.
type TriggerEvaluator struct {
	store      *Store
	defaultLoc *time.Location
	logger     *zap.SugaredLogger
}

// NewTriggerEvaluator creates a trigger evaluator
func NewTriggerEvaluator(store *Store, defaultLoc *time.Location, log *zap.SugaredLogger) *TriggerEvaluator {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &TriggerEvaluator{store: store, defaultLoc: defaultLoc, logger: log}
}

// DueAt returns every ACTIVE schedule due at now
func (e *TriggerEvaluator) DueAt(ctx context.Context, now time.Time) ([]Due, error) {
	schedules, err := e.store.ListSchedules(ctx, StatusActive)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active schedules")
	}

	var due []Due
	for _, sched := range schedules {
		ok, err := e.IsDue(ctx, sched, now)
		if err != nil {
			// A broken schedule must not block the others
			e.logger.Warnw("Skipping schedule with evaluation error",
				logger.FieldScheduleID, sched.ID,
				logger.FieldError, err)
			continue
		}
		if ok {
			slot := now.UTC().Truncate(time.Minute)
			due = append(due, Due{Schedule: sched, Slot: slot, SlotKey: SlotKey(slot)})
		}
	}
	return due, nil
}

// IsDue evaluates a single schedule at now
func (e *TriggerEvaluator) IsDue(ctx context.Context, sched *Schedule, now time.Time) (bool, error) {
	slot := now.UTC().Truncate(time.Minute)

	if sched.IsCron() {
		match, err := CronMatches(sched.CronExpr, slot, sched.Location(e.defaultLoc))
		if err != nil || !match {
			return false, err
		}
		taken, err := e.store.SlotTaken(ctx, sched.ID, SlotKey(slot))
		if err != nil {
			return false, err
		}
		return !taken, nil
	}

	last, ok, err := e.store.LastClockSlot(ctx, sched.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return slot.Sub(last) >= time.Duration(sched.IntervalMinutes)*time.Minute, nil
}

// NextFire returns the next time sched would fire strictly after now
func (e *TriggerEvaluator) NextFire(ctx context.Context, sched *Schedule, now time.Time) (time.Time, error) {
	if sched.IsCron() {
		cs, err := ParseCron(sched.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		return cs.Next(now.In(sched.Location(e.defaultLoc))), nil
	}

	last, ok, err := e.store.LastClockSlot(ctx, sched.ID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return now, nil
	}
	return last.Add(time.Duration(sched.IntervalMinutes) * time.Minute), nil
}
