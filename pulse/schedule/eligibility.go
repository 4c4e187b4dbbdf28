package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/am/geotime"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/budget"
)

// Ineligibility reasons
const (
	ReasonPaused        = "PAUSED"
	ReasonDayCapReached = "DAY_CAP_REACHED"
)

// Eligibility is the answer to "may this schedule issue posts now?"
type Eligibility struct {
	Eligible  bool
	Reason    string // Empty when eligible
	Day       string // Calendar day in the schedule's timezone
	Issued    int    // Posts already issued that day
	Remaining int    // MaxPostsPerDay - Issued, floored at 0
	ResetsAt  time.Time
}

// StateManager owns schedule activation state and the daily post budget view
type StateManager struct {
	store      *Store
	dayCap     *budget.DayCap
	defaultLoc *time.Location
	logger     *zap.SugaredLogger
}

// NewStateManager creates a schedule state manager
func NewStateManager(store *Store, dayCap *budget.DayCap, defaultLoc *time.Location, log *zap.SugaredLogger) *StateManager {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &StateManager{store: store, dayCap: dayCap, defaultLoc: defaultLoc, logger: log}
}

// DayKey returns the calendar day used for sched's cap at now
func (m *StateManager) DayKey(sched *Schedule, now time.Time) string {
	return geotime.DayKey(now, sched.Location(m.defaultLoc))
}

// IsEligible requires status ACTIVE and fewer than MaxPostsPerDay posts issued
// on the schedule's current calendar day.
func (m *StateManager) IsEligible(ctx context.Context, scheduleID string, now time.Time) (Eligibility, error) {
	sched, err := m.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Eligibility{}, err
	}
	return m.Evaluate(ctx, sched, now)
}

// Evaluate is IsEligible for an already loaded schedule
func (m *StateManager) Evaluate(ctx context.Context, sched *Schedule, now time.Time) (Eligibility, error) {
	loc := sched.Location(m.defaultLoc)
	day := geotime.DayKey(now, loc)
	issued, err := m.dayCap.Issued(ctx, m.store.q, sched.ID, day)
	if err != nil {
		return Eligibility{}, err
	}

	e := Eligibility{
		Eligible:  true,
		Day:       day,
		Issued:    issued,
		Remaining: sched.MaxPostsPerDay - issued,
		ResetsAt:  geotime.StartOfDay(now, loc).AddDate(0, 0, 1),
	}
	if e.Remaining < 0 {
		e.Remaining = 0
	}

	switch {
	case sched.Status != StatusActive:
		e.Eligible, e.Reason = false, ReasonPaused
	case e.Remaining == 0:
		e.Eligible, e.Reason = false, ReasonDayCapReached
	}
	return e, nil
}

// Activate sets a schedule ACTIVE; the next tick evaluates it
func (m *StateManager) Activate(ctx context.Context, scheduleID string) error {
	if err := m.store.SetStatus(ctx, scheduleID, StatusActive); err != nil {
		return errors.Wrap(err, "activate")
	}
	m.logger.Infow("Schedule activated", logger.FieldScheduleID, scheduleID)
	return nil
}

// Pause sets a schedule PAUSED. Runs already in flight are not aborted.
func (m *StateManager) Pause(ctx context.Context, scheduleID string) error {
	if err := m.store.SetStatus(ctx, scheduleID, StatusPaused); err != nil {
		return errors.Wrap(err, "pause")
	}
	m.logger.Infow("Schedule paused", logger.FieldScheduleID, scheduleID)
	return nil
}
