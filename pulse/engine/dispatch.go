package engine

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/async"
	"github.com/teranos/postpulse/pulse/budget"
	"github.com/teranos/postpulse/pulse/posting"
	"github.com/teranos/postpulse/pulse/run"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/pulse/session"
)

// errSlotTaken rolls back a clock dispatch whose slot another tick claimed first
var errSlotTaken = errors.New("schedule slot already has a run")

// Dispatcher turns a schedule firing into a run and its jobs. Quota
// reservation, the run row and every job commit in one transaction.
type Dispatcher struct {
	db          *sql.DB
	schedules   *schedule.Store
	state       *schedule.StateManager
	dayCap      *budget.DayCap
	runs        *run.Store
	jobs        *async.Store
	queue       *async.Queue
	gate        session.Gate // Optional: nil skips session bootstrapping
	maxAttempts int
	defaultLoc  *time.Location
	logger      *zap.SugaredLogger
}

// DispatcherConfig holds the dispatcher's collaborators
type DispatcherConfig struct {
	Schedules   *schedule.Store
	State       *schedule.StateManager
	DayCap      *budget.DayCap
	Runs        *run.Store
	Queue       *async.Queue
	Gate        session.Gate
	MaxAttempts int
	DefaultLoc  *time.Location
}

// NewDispatcher creates a dispatcher
func NewDispatcher(database *sql.DB, cfg DispatcherConfig, log *zap.SugaredLogger) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultLoc == nil {
		cfg.DefaultLoc = time.UTC
	}
	return &Dispatcher{
		db:          database,
		schedules:   cfg.Schedules,
		state:       cfg.State,
		dayCap:      cfg.DayCap,
		runs:        cfg.Runs,
		jobs:        cfg.Queue.Store(),
		queue:       cfg.Queue,
		gate:        cfg.Gate,
		maxAttempts: cfg.MaxAttempts,
		defaultLoc:  cfg.DefaultLoc,
		logger:      logger.AddPulseSymbol(log.Named("dispatch")),
	}
}

// DispatchDue creates the run for a due clock slot. A slot that already has
// a run is a no-op.
func (d *Dispatcher) DispatchDue(ctx context.Context, due schedule.Due, now time.Time) error {
	_, err := d.fire(ctx, due.Schedule, run.TriggerClock, due.SlotKey, now, d.postJobs)
	if errors.Is(err, errSlotTaken) {
		d.logger.Debugw("Slot already dispatched",
			logger.FieldScheduleID, due.Schedule.ID,
			logger.FieldSlot, due.SlotKey)
		return nil
	}
	return err
}

// Trigger creates an ad-hoc posting run outside the clock. The day cap still
// applies.
func (d *Dispatcher) Trigger(ctx context.Context, sched *schedule.Schedule, now time.Time) (*run.Run, error) {
	return d.fire(ctx, sched, run.TriggerManual, "", now, d.postJobs)
}

// Sync creates a run with a single SYNC_POSTS job
func (d *Dispatcher) Sync(ctx context.Context, sched *schedule.Schedule, now time.Time) (*run.Run, error) {
	return d.fire(ctx, sched, run.TriggerSync, "", now,
		func(ctx context.Context, tx *sql.Tx, f firing) ([]*async.Job, error) {
			job, err := d.syncJob(f)
			if err != nil {
				return nil, err
			}
			return []*async.Job{job}, nil
		})
}

// Delete creates a run with a single DELETE_POST job for postID
func (d *Dispatcher) Delete(ctx context.Context, sched *schedule.Schedule, postID string, now time.Time) (*run.Run, error) {
	return d.fire(ctx, sched, run.TriggerDelete, "", now,
		func(ctx context.Context, tx *sql.Tx, f firing) ([]*async.Job, error) {
			job, err := d.newJob(f, async.JobTypeDeletePost, posting.DeletePostPayload{
				ScheduleID: f.sched.ID,
				BoardRef:   f.tpl.BoardRef,
				PostID:     postID,
			})
			if err != nil {
				return nil, err
			}
			return []*async.Job{job}, nil
		})
}

// firing is the context a job builder works in
type firing struct {
	sched *schedule.Schedule
	tpl   *schedule.Template
	run   *run.Run
	day   string
	now   time.Time
}

type jobBuilder func(ctx context.Context, tx *sql.Tx, f firing) ([]*async.Job, error)

// fire creates a run for sched with the jobs build returns. When the user's
// session is unusable and there is work to do, an INIT_SESSION job is added;
// the queue holds the user's other jobs until it completes.
func (d *Dispatcher) fire(ctx context.Context, sched *schedule.Schedule, trigger run.Trigger, slotKey string, now time.Time, build jobBuilder) (*run.Run, error) {
	now = now.UTC()
	day := d.state.DayKey(sched, now)
	needsSession := d.sessionUnusable(ctx, sched.UserID)

	var r *run.Run
	var jobs []*async.Job
	err := db.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		tpl, err := d.schedules.WithTx(tx).GetTemplate(ctx, sched.TemplateID)
		if err != nil {
			return err
		}

		r = run.NewRun(sched.ID, trigger, slotKey, day, now)
		f := firing{sched: sched, tpl: tpl, run: r, day: day, now: now}

		jobs, err = build(ctx, tx, f)
		if err != nil {
			return err
		}
		if len(jobs) > 0 && needsSession {
			initJob, err := d.newJob(f, async.JobTypeInitSession, posting.InitSessionPayload{ScheduleID: sched.ID})
			if err != nil {
				return err
			}
			jobs = append([]*async.Job{initJob}, jobs...)
		}

		r.TotalJobs = len(jobs)
		if r.TotalJobs == 0 {
			// Nothing to do: the run is born finished
			r.Status = run.StatusCompleted
			r.FinishedAt = &now
		}

		created, err := d.runs.WithTx(tx).Create(ctx, r)
		if err != nil {
			return err
		}
		if !created {
			return errSlotTaken
		}

		store := d.jobs.WithTx(tx)
		for _, job := range jobs {
			if err := store.CreateJob(ctx, job); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errSlotTaken) {
			return nil, err
		}
		err = errors.Wrapf(err, "failed to dispatch schedule %s", sched.ID)
		return nil, errors.WithDetailf(err, "Trigger: %s", trigger)
	}

	for _, job := range jobs {
		d.queue.Notify(job)
	}

	d.logger.Infow("Run dispatched",
		logger.FieldScheduleID, sched.ID,
		logger.FieldRunID, r.ID,
		logger.FieldSlot, slotKey,
		"trigger", trigger,
		logger.FieldTotal, r.TotalJobs,
		logger.FieldStatus, r.Status)
	return r, nil
}

// postJobs reserves the schedule's day quota and renders one CREATE_POST job
// per granted post, plus a SYNC_POSTS job when the schedule asks for one.
func (d *Dispatcher) postJobs(ctx context.Context, tx *sql.Tx, f firing) ([]*async.Job, error) {
	granted, err := d.dayCap.Reserve(ctx, tx, f.sched.ID, f.day, f.sched.MaxPostsPerDay, f.sched.PostsPerRun)
	if err != nil {
		return nil, err
	}
	if granted < f.sched.PostsPerRun {
		d.logger.Infow("Day cap limited run",
			logger.FieldScheduleID, f.sched.ID,
			"day", f.day,
			"requested", f.sched.PostsPerRun,
			"granted", granted)
	}

	loc := f.sched.Location(d.defaultLoc)
	jobs := make([]*async.Job, 0, granted+1)
	for seq := 1; seq <= granted; seq++ {
		vars := schedule.NewVars(f.now, loc, f.sched.ID, f.run.ID, f.sched.UserID, seq)
		subject, body, err := f.tpl.Render(vars)
		if err != nil {
			return nil, err
		}
		job, err := d.newJob(f, async.JobTypeCreatePost, posting.CreatePostPayload{
			ScheduleID: f.sched.ID,
			TemplateID: f.tpl.ID,
			BoardRef:   f.tpl.BoardRef,
			Subject:    subject,
			Body:       body,
			Sequence:   seq,
		})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if granted > 0 && f.sched.SyncAfterPost {
		job, err := d.syncJob(f)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (d *Dispatcher) syncJob(f firing) (*async.Job, error) {
	return d.newJob(f, async.JobTypeSyncPosts, posting.SyncPostsPayload{
		ScheduleID: f.sched.ID,
		BoardRef:   f.tpl.BoardRef,
	})
}

func (d *Dispatcher) newJob(f firing, jobType async.JobType, payload interface{}) (*async.Job, error) {
	data, err := posting.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return async.NewJob(f.run.ID, f.sched.UserID, jobType, data, d.maxAttempts, f.now)
}

// sessionUnusable asks the gate before the transaction opens. A gate error is
// not proof the session is gone; the worker's own check decides then.
func (d *Dispatcher) sessionUnusable(ctx context.Context, userID string) bool {
	if d.gate == nil {
		return false
	}
	state, err := d.gate.GetSessionState(ctx, userID)
	if err != nil {
		d.logger.Warnw("Session gate unavailable at dispatch",
			logger.FieldUserID, userID,
			logger.FieldError, err)
		return false
	}
	return !state.Usable
}
