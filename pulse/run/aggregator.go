package run

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/async"
)

// Aggregator folds job outcomes into run counters and finalizes runs.
// It implements async.RunTracker.
type Aggregator struct {
	db     *sql.DB
	store  *Store
	jobs   *async.Store
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewAggregator creates a run aggregator
func NewAggregator(database *sql.DB, store *Store, jobs *async.Store, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		db:     database,
		store:  store,
		jobs:   jobs,
		now:    time.Now,
		logger: logger.AddRunSymbol(log.Named("run")),
	}
}

// SetClock overrides the aggregator's clock (tests)
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Store returns the run store
func (a *Aggregator) Store() *Store {
	return a.store
}

// GetRun returns a run with a summary of each of its jobs
func (a *Aggregator) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := a.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	jobs, err := a.jobs.ListRunJobs(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.Jobs = Summaries(jobs)
	return r, nil
}

// JobStarted marks the run RUNNING on its first claim
func (a *Aggregator) JobStarted(ctx context.Context, runID string) error {
	return a.store.MarkRunning(ctx, runID, a.now())
}

// Conclude counts n jobs of runID that reached outcome and finalizes the run
// when nothing is left outstanding. Must run in the transaction that moved
// the jobs, so counters and job rows never disagree.
func (a *Aggregator) Conclude(ctx context.Context, tx *sql.Tx, runID string, outcome async.JobStatus, n int) error {
	if n <= 0 {
		return nil
	}
	store := a.store.WithTx(tx)
	now := a.now()

	ok, err := store.Increment(ctx, runID, outcome, n, now)
	if err != nil {
		return err
	}
	if !ok {
		err := errors.Newf("run %s cannot absorb %d %s job(s)", runID, n, outcome)
		err = errors.WithDetail(err, "Run is finalized or the counters would exceed total_jobs")
		return errors.Mark(err, errors.ErrConflict)
	}

	r, finalized, err := store.FinalizeIfDone(ctx, runID, now)
	if err != nil {
		return err
	}
	if finalized {
		a.logFinalized(r, "all jobs concluded")
	}
	return nil
}

// Cancel stops a run: PENDING jobs become CANCELLED now, PROCESSING jobs are
// left to finish and the run finalizes when they do.
func (a *Aggregator) Cancel(ctx context.Context, runID string) (*Run, error) {
	var (
		cancelled []string
		result    *Run
	)
	err := db.WithTx(ctx, a.db, func(tx *sql.Tx) error {
		store := a.store.WithTx(tx)
		now := a.now()

		current, err := store.Get(ctx, runID)
		if err != nil {
			return err
		}
		if !current.IsOpen() {
			err := errors.Newf("run %s already finished with status %s", runID, current.Status)
			return errors.Mark(err, errors.ErrInvalidTransition)
		}

		if _, err := store.RequestCancel(ctx, runID, now); err != nil {
			return err
		}
		cancelled, err = a.jobs.WithTx(tx).CancelPendingForRun(ctx, runID, now)
		if err != nil {
			return err
		}
		if err := a.Conclude(ctx, tx, runID, async.JobStatusCancelled, len(cancelled)); err != nil {
			return err
		}

		// A run with nothing outstanding (no jobs at all, or all already
		// cancelled) must not wait for a conclusion that never comes
		if result, _, err = store.FinalizeIfDone(ctx, runID, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to cancel run %s", runID)
	}

	a.logger.Infow("Run cancel requested",
		logger.FieldRunID, runID,
		logger.FieldCount, len(cancelled),
		logger.FieldStatus, result.Status)
	return result, nil
}

// Expire fails everything still outstanding in a run with RUN_TIMEOUT and
// finalizes it with whatever counts exist.
func (a *Aggregator) Expire(ctx context.Context, runID string) (*Run, error) {
	var (
		failed []string
		result *Run
	)
	err := db.WithTx(ctx, a.db, func(tx *sql.Tx) error {
		store := a.store.WithTx(tx)
		now := a.now()

		var err error
		failed, err = a.jobs.WithTx(tx).FailOutstandingForRun(ctx, runID, async.ReasonRunTimeout, now)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			ok, err := store.Increment(ctx, runID, async.JobStatusFailed, len(failed), now)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Mark(errors.Newf("run %s no longer open", runID), errors.ErrConflict)
			}
		}
		result, _, err = store.ForceFinalize(ctx, runID, now)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to expire run %s", runID)
	}

	logger.AddWatchdogSymbol(a.logger).Warnw("Run deadline exceeded, finalized",
		logger.FieldRunID, runID,
		logger.FieldFailed, len(failed),
		logger.FieldStatus, result.Status)
	return result, nil
}

func (a *Aggregator) logFinalized(r *Run, why string) {
	a.logger.Infow("Run finalized",
		logger.FieldRunID, r.ID,
		logger.FieldScheduleID, r.ScheduleID,
		logger.FieldStatus, r.Status,
		logger.FieldTotal, r.TotalJobs,
		logger.FieldDone, r.CompletedJobs,
		logger.FieldFailed, r.FailedJobs,
		"why", why)
}
