package engine

import (
	"context"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/async"
	"github.com/teranos/postpulse/pulse/posting"
	"github.com/teranos/postpulse/pulse/run"
	"github.com/teranos/postpulse/pulse/schedule"
)

// Page size bounds for ListRuns
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 200
)

// ListRuns returns one page of a schedule's runs, newest first. Pages start at 1.
func (e *Engine) ListRuns(ctx context.Context, scheduleID string, page, limit int) (*run.Page, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = DefaultPageLimit
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	if _, err := e.schedules.GetSchedule(ctx, scheduleID); err != nil {
		return nil, err
	}
	return e.runs.List(ctx, scheduleID, page, limit)
}

// GetRun returns a run with its job summaries
func (e *Engine) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return e.aggregator.GetRun(ctx, runID)
}

// CancelRun cancels a run's PENDING jobs; jobs already executing finish
func (e *Engine) CancelRun(ctx context.Context, runID string) (*run.Run, error) {
	r, err := e.aggregator.Cancel(ctx, runID)
	if err != nil {
		return nil, err
	}
	e.queue.Notify(nil)
	return r, nil
}

// TriggerNow fires a schedule immediately, outside its trigger. A paused
// schedule fires too, since this is an explicit request; the day cap still
// holds and a capped schedule yields an empty COMPLETED run.
func (e *Engine) TriggerNow(ctx context.Context, scheduleID string) (*run.Run, error) {
	sched, err := e.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return e.dispatcher.Trigger(ctx, sched, e.now())
}

// SyncNow creates a run that syncs the schedule's board into the post ledger
func (e *Engine) SyncNow(ctx context.Context, scheduleID string) (*run.Run, error) {
	sched, err := e.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return e.dispatcher.Sync(ctx, sched, e.now())
}

// DeletePost creates a run that deletes postID from the schedule's board
func (e *Engine) DeletePost(ctx context.Context, scheduleID, postID string) (*run.Run, error) {
	if postID == "" {
		return nil, errors.NewInvalidRequestError("post id is required")
	}
	sched, err := e.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return e.dispatcher.Delete(ctx, sched, postID, e.now())
}

// Activate makes a schedule fire again from the next tick
func (e *Engine) Activate(ctx context.Context, scheduleID string) error {
	return e.state.Activate(ctx, scheduleID)
}

// Pause stops a schedule from firing. Runs in flight continue.
func (e *Engine) Pause(ctx context.Context, scheduleID string) error {
	return e.state.Pause(ctx, scheduleID)
}

// IsEligible reports whether a schedule may issue posts right now
func (e *Engine) IsEligible(ctx context.Context, scheduleID string) (schedule.Eligibility, error) {
	return e.state.IsEligible(ctx, scheduleID, e.now())
}

// ScheduleView is a schedule with its current eligibility
type ScheduleView struct {
	*schedule.Schedule
	Eligibility schedule.Eligibility
}

// ListSchedules returns schedules (all when status is empty) with eligibility
func (e *Engine) ListSchedules(ctx context.Context, status string) ([]ScheduleView, error) {
	schedules, err := e.schedules.ListSchedules(ctx, status)
	if err != nil {
		return nil, err
	}
	now := e.now()
	views := make([]ScheduleView, 0, len(schedules))
	for _, s := range schedules {
		el, err := e.state.Evaluate(ctx, s, now)
		if err != nil {
			return nil, err
		}
		views = append(views, ScheduleView{Schedule: s, Eligibility: el})
	}
	return views, nil
}

// ListPosts returns the ledger entries for a schedule
func (e *Engine) ListPosts(ctx context.Context, scheduleID string, withDeleted bool) ([]*posting.Post, error) {
	return e.ledger.ListBySchedule(ctx, scheduleID, withDeleted)
}

// QueueStats returns job counts by status
func (e *Engine) QueueStats(ctx context.Context) (*async.QueueStats, error) {
	return e.queue.GetStats(ctx)
}

// ListJobs returns the newest jobs across all runs, optionally filtered by status
func (e *Engine) ListJobs(ctx context.Context, status *async.JobStatus, limit int) ([]*async.Job, error) {
	return e.queue.ListJobs(ctx, status, limit)
}

// RunStats returns run counts by status
func (e *Engine) RunStats(ctx context.Context) (map[run.Status]int, error) {
	return e.runs.CountByStatus(ctx)
}

// Sweep runs one watchdog pass now, even when periodic sweeps are off
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	n, err := e.watchdog.Sweep(ctx, e.now())
	if err != nil {
		return n, errors.Wrap(err, "watchdog sweep")
	}
	if n > 0 {
		e.logger.Infow("Expired stale runs", logger.FieldCount, n)
	}
	return n, nil
}
