package async

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/session"
)

// errLostClaim means a terminal write found the job already moved on
// (watchdog timeout or crash recovery won the race).
var errLostClaim = errors.New("job no longer held by this worker")

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different symbols to create visual distinction:
// - Starting → ✿ Opening operations
// - Closing → ❀ Closing operations
// - Pulse → ꩜ general worker operations
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	logger.AddPulseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// RateLimiter is the process-wide limit on external platform calls
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// RunTracker receives job outcomes so run counters stay in step with job
// state. Conclude runs inside the transaction that wrote the job's terminal
// status; n jobs of the same outcome are reported at once for bulk updates.
type RunTracker interface {
	JobStarted(ctx context.Context, runID string) error
	Conclude(ctx context.Context, tx *sql.Tx, runID string, outcome JobStatus, n int) error
}

// WorkerPool manages a pool of workers that claim and execute jobs
type WorkerPool struct {
	queue         *Queue
	store         *Store
	registry      *HandlerRegistry
	gate          session.Gate // Optional: nil means every session is usable
	rateLimiter   RateLimiter  // Optional: nil disables rate limiting (tests)
	runs          RunTracker   // Optional: nil skips run accounting (tests)
	db            *sql.DB
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context // Parent context from which worker context is derived
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	jobsProcessed int       // Jobs that reached a terminal state or were requeued
	activeWorkers int       // Workers currently executing a job
	startTime     time.Time // When the pool was started
	started       bool
	logger        pulseLogger
	mu            sync.Mutex
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int              // Number of concurrent workers
	PollInterval time.Duration    // How often idle workers look for claimable jobs
	Backoff      Backoff          // Retry delay policy
	StopTimeout  time.Duration    // How long Stop waits for in-flight jobs
	Now          func() time.Time // Clock; defaults to time.Now
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      4,
		PollInterval: 500 * time.Millisecond,
		Backoff:      DefaultBackoff(),
		StopTimeout:  30 * time.Second,
		Now:          time.Now,
	}
}

// NewWorkerPool creates a worker pool draining queue.
// gate, rateLimiter and runs may be nil in tests.
// Callers must register handlers before calling Start().
func NewWorkerPool(ctx context.Context, queue *Queue, registry *HandlerRegistry, gate session.Gate, rateLimiter RateLimiter, runs RunTracker, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if poolCfg.Workers <= 0 {
		poolCfg.Workers = 1
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = defaults.PollInterval
	}
	if poolCfg.StopTimeout <= 0 {
		poolCfg.StopTimeout = defaults.StopTimeout
	}
	if poolCfg.Now == nil {
		poolCfg.Now = time.Now
	}
	if registry == nil {
		registry = NewHandlerRegistry()
	}

	// Create child context so we can cancel workers independently if needed
	workerCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		queue:       queue,
		store:       queue.Store(),
		registry:    registry,
		gate:        gate,
		rateLimiter: rateLimiter,
		runs:        runs,
		db:          queue.Store().DB(),
		poolConfig:  poolCfg,
		workers:     poolCfg.Workers,
		parentCtx:   ctx,
		ctx:         workerCtx,
		cancel:      cancel,
		logger:      pulseLogger{log.Named("pulse")},
	}
}

// Start begins processing jobs with the worker pool
// ✿ Opening: Recover orphaned jobs before starting workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	if wp.started {
		wp.mu.Unlock()
		return
	}

	// Check if context was cancelled (after Stop()) - if so, create new one
	// This must happen BEFORE spawning workers to avoid races
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}

	wp.started = true
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if err := wp.recoverOrphanedJobs(ctx); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
		// Continue starting workers even if recovery fails
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
	wp.logger.Starting("Worker pool started", "workers", wp.workers)
}

// recoverOrphanedJobs returns jobs stuck in PROCESSING after an ungraceful
// shutdown (crash, kill -9, power loss) to PENDING. Runs stay open and the
// watchdog bounds how long they can wait.
func (wp *WorkerPool) recoverOrphanedJobs(ctx context.Context) error {
	ids, err := wp.store.RecoverOrphans(ctx, wp.now())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	wp.logger.Starting("Opening - recovered orphaned jobs from previous shutdown", logger.FieldCount, len(ids))
	wp.queue.Notify(nil)
	return nil
}

// Stop gracefully stops the worker pool
// ❀ Closing: no new claims; in-flight platform calls run to completion so the
// platform is never left mid-operation. Waits at most StopTimeout.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Closing("Worker pool stopped - all workers exited cleanly")
	case <-time.After(wp.poolConfig.StopTimeout):
		wp.logger.Closing("Worker pool stop timed out - jobs still in flight", "timeout", wp.poolConfig.StopTimeout)
	}
}

// worker claims and processes jobs until ctx is cancelled
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	log := wp.logger.With(logger.FieldWorkerID, id)
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed, err := wp.processNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
				// Shutting down - exit silently
				return
			}
			errorCount++
			log.Errorw("Worker error processing job",
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				log.Warnw("Worker backing off due to consecutive errors",
					logger.FieldBackoff, backoffDuration,
					"consecutive_errors", errorCount)
				if !sleepCtx(ctx, backoffDuration) {
					return
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		} else if errorCount > 0 {
			log.Infow("Worker recovered from errors", "previous_error_count", errorCount)
			errorCount = 0
			backoffDuration = time.Second
		}

		if processed {
			// More work may be waiting; look again immediately
			continue
		}

		idle := time.NewTimer(wp.poolConfig.PollInterval)
		select {
		case <-ctx.Done():
			idle.Stop()
			return
		case <-wp.queue.Ready():
			idle.Stop()
		case <-idle.C:
		}
	}
}

// sleepCtx sleeps for d, returning false if ctx ends first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (wp *WorkerPool) now() time.Time {
	return wp.poolConfig.Now().UTC()
}

// processNextJob claims one job and drives it to its next state.
// Returns whether a job was claimed.
func (wp *WorkerPool) processNextJob(ctx context.Context) (bool, error) {
	job, err := wp.store.Claim(ctx, wp.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.jobsProcessed++
		wp.mu.Unlock()
	}()

	wp.queue.Notify(job)
	return true, wp.process(ctx, job)
}

// process runs a claimed job. Job-level failures become job state; only
// store errors are returned.
func (wp *WorkerPool) process(ctx context.Context, job *Job) error {
	log := wp.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldRunID, job.RunID,
		logger.FieldJobType, job.Type,
		logger.FieldAttempt, job.Attempts)

	// State writes after this point must land even during shutdown
	writeCtx := context.WithoutCancel(ctx)

	if wp.runs != nil {
		if err := wp.runs.JobStarted(writeCtx, job.RunID); err != nil {
			log.Warnw("Failed to mark run running", logger.FieldError, err)
		}
	}

	handler, ok := wp.registry.Get(job.Type)
	if !ok {
		return wp.fail(writeCtx, job, ReasonNoHandler,
			errors.Newf("no handler registered for job type %s", job.Type), log)
	}

	if job.Type != JobTypeInitSession && wp.gate != nil {
		state, err := wp.gate.GetSessionState(ctx, job.UserID)
		if err != nil {
			if ctx.Err() != nil {
				return wp.release(writeCtx, job, log)
			}
			return wp.handleError(writeCtx, job, Retryable(errors.Wrap(err, "session gate")), log)
		}
		if !state.Usable {
			reason := state.Reason
			if reason == "" {
				reason = "session not usable"
			}
			return wp.fail(writeCtx, job, ReasonSessionUnavailable,
				errors.Mark(errors.Newf("session unavailable for user %s: %s", job.UserID, reason),
					errors.ErrSessionUnavailable), log)
		}
	}

	if wp.rateLimiter != nil {
		if err := wp.rateLimiter.Wait(ctx); err != nil {
			// Shutdown while waiting for a token: give the job back untouched
			return wp.release(writeCtx, job, log)
		}
	}

	started := time.Now()
	execErr := wp.execute(writeCtx, handler, job)
	log = log.With(logger.FieldDurationMS, time.Since(started).Milliseconds())

	if execErr != nil {
		return wp.handleError(writeCtx, job, execErr, log)
	}
	return wp.complete(writeCtx, job, log)
}

// execute calls the handler, converting a panic into a terminal error
func (wp *WorkerPool) execute(ctx context.Context, handler JobHandler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Terminal(errors.Newf("handler panic: %v", r))
			wp.logger.Errorw("Job handler panicked",
				logger.FieldJobID, job.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	return handler.Execute(ctx, job)
}

// handleError requeues a retryable failure with backoff while attempts remain,
// otherwise fails the job.
func (wp *WorkerPool) handleError(ctx context.Context, job *Job, err error, log *zap.SugaredLogger) error {
	class := ClassifyError(string(job.Type), err)

	if class.Retryable && job.AttemptsLeft() {
		now := wp.now()
		notBefore := wp.poolConfig.Backoff.NextAttemptAt(now, job.Attempts)
		ok, storeErr := wp.store.Requeue(ctx, job.ID, err.Error(), notBefore, now)
		if storeErr != nil {
			return storeErr
		}
		if !ok {
			log.Warnw("Job moved on before retry could be scheduled")
			return nil
		}
		log.Infow("Retry scheduled",
			"code", class.Code,
			"max_attempts", job.MaxAttempts,
			logger.FieldNotBefore, notBefore,
			logger.FieldError, err)
		wp.queue.Notify(job)
		return nil
	}

	reason := class.Reason
	if class.Retryable {
		reason = ReasonMaxAttempts
	}
	return wp.fail(ctx, job, reason, err, log)
}

// complete records success and reports it to the run
func (wp *WorkerPool) complete(ctx context.Context, job *Job, log *zap.SugaredLogger) error {
	err := db.WithTx(ctx, wp.db, func(tx *sql.Tx) error {
		ok, err := wp.store.WithTx(tx).Complete(ctx, job.ID, job.Result, wp.now())
		if err != nil {
			return err
		}
		if !ok {
			return errLostClaim
		}
		if wp.runs != nil {
			return wp.runs.Conclude(ctx, tx, job.RunID, JobStatusCompleted, 1)
		}
		return nil
	})
	if errors.Is(err, errLostClaim) {
		// The watchdog already failed this job; its outcome stands
		log.Warnw("Job finished after it was concluded elsewhere, result discarded")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", job.ID)
	}

	job.Status = JobStatusCompleted
	wp.queue.Notify(job)
	log.Infow("Job completed")
	return nil
}

// fail records a terminal failure. A failed INIT_SESSION takes the user's
// pending jobs in the same run down with it.
func (wp *WorkerPool) fail(ctx context.Context, job *Job, reason string, cause error, log *zap.SugaredLogger) error {
	var cascaded []string
	err := db.WithTx(ctx, wp.db, func(tx *sql.Tx) error {
		store := wp.store.WithTx(tx)
		now := wp.now()

		ok, err := store.Fail(ctx, job.ID, JobStatusProcessing, reason, cause.Error(), now)
		if err != nil {
			return err
		}
		if !ok {
			return errLostClaim
		}
		if wp.runs != nil {
			if err := wp.runs.Conclude(ctx, tx, job.RunID, JobStatusFailed, 1); err != nil {
				return err
			}
		}

		if job.Type != JobTypeInitSession {
			return nil
		}
		cascaded, err = store.FailPendingDependents(ctx, job.RunID, job.UserID,
			ReasonSessionUnavailable, "session initialization failed: "+cause.Error(), now)
		if err != nil {
			return err
		}
		if wp.runs != nil && len(cascaded) > 0 {
			return wp.runs.Conclude(ctx, tx, job.RunID, JobStatusFailed, len(cascaded))
		}
		return nil
	})
	if errors.Is(err, errLostClaim) {
		log.Warnw("Job failed after it was concluded elsewhere", logger.FieldError, cause)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to fail job %s", job.ID)
	}

	job.Status = JobStatusFailed
	job.Reason = reason
	wp.queue.Notify(job)
	log.Warnw("Job failed", logger.FieldReason, reason, logger.FieldError, cause)
	if len(cascaded) > 0 {
		log.Warnw("Failed dependent jobs after session initialization failure",
			logger.FieldUserID, job.UserID,
			logger.FieldCount, len(cascaded))
	}
	return nil
}

// release gives a claimed job back without spending an attempt
func (wp *WorkerPool) release(ctx context.Context, job *Job, log *zap.SugaredLogger) error {
	if _, err := wp.store.Release(ctx, job.ID, wp.now()); err != nil {
		return errors.Wrapf(err, "failed to release job %s", job.ID)
	}
	log.Debugw("Job released back to queue")
	return nil
}

// GetQueue returns the worker pool's queue
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the configured worker count
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}

// JobsProcessed returns how many claimed jobs have been handled since Start
func (wp *WorkerPool) JobsProcessed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.jobsProcessed
}
