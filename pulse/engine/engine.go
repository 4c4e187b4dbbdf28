// Package engine wires the schedule execution engine together: the ticker
// that finds due schedules, the dispatcher that turns them into runs, the
// worker pool that executes jobs, and the watchdog that bounds run lifetime.
// It also exposes the operations the CLI and other callers use.
package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/am/geotime"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/platform"
	"github.com/teranos/postpulse/pulse/async"
	"github.com/teranos/postpulse/pulse/budget"
	"github.com/teranos/postpulse/pulse/posting"
	"github.com/teranos/postpulse/pulse/run"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/pulse/session"
)

// sessionCacheTTL bounds how long a usable session is trusted without asking
// the platform again
const sessionCacheTTL = 5 * time.Minute

// Engine owns every engine component and their lifecycle
type Engine struct {
	db         *sql.DB
	cfg        am.PulseConfig
	now        func() time.Time
	defaultLoc *time.Location

	schedules  *schedule.Store
	state      *schedule.StateManager
	evaluator  *schedule.TriggerEvaluator
	runs       *run.Store
	aggregator *run.Aggregator
	queue      *async.Queue
	ledger     *posting.Ledger
	gate       *session.CachedGate
	limiter    *budget.Limiter
	dispatcher *Dispatcher
	registry   *async.HandlerRegistry

	pool        *async.WorkerPool // nil when workers = 0
	ticker      *schedule.Ticker  // nil when the clock is disabled
	watchdog    *run.Watchdog
	sweepPeriod bool              // Whether Start runs periodic watchdog sweeps
	watcher     *am.ConfigWatcher // nil without a config file

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	logger  *zap.SugaredLogger
}

// Options carries the engine's external collaborators
type Options struct {
	Platform   platform.Client
	Gate       session.Gate
	ConfigPath string           // Watched for live rate limit changes; empty disables
	Now        func() time.Time // Clock; defaults to time.Now
}

// New builds an engine over database. Nothing runs until Start.
func New(ctx context.Context, database *sql.DB, cfg am.PulseConfig, opts Options, log *zap.SugaredLogger) (*Engine, error) {
	if opts.Platform == nil || opts.Gate == nil {
		return nil, errors.New("engine requires a platform client and a session gate")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	loc := time.UTC
	if cfg.DefaultTimezone != "" {
		var err error
		if loc, err = geotime.LoadLocation(cfg.DefaultTimezone); err != nil {
			return nil, errors.Wrap(err, "invalid pulse.default_timezone")
		}
	}

	engineCtx, cancel := context.WithCancel(ctx)
	e := &Engine{
		db:         database,
		cfg:        cfg,
		now:        opts.Now,
		defaultLoc: loc,
		ctx:        engineCtx,
		cancel:     cancel,
		logger:     log.Named("engine"),
	}

	dayCap := budget.NewDayCap(opts.Now)
	e.schedules = schedule.NewStore(database)
	e.state = schedule.NewStateManager(e.schedules, dayCap, loc, log.Named("schedule"))
	e.evaluator = schedule.NewTriggerEvaluator(e.schedules, loc, log.Named("trigger"))
	e.queue = async.NewQueue(database)
	e.runs = run.NewStore(database)
	e.aggregator = run.NewAggregator(database, e.runs, e.queue.Store(), log)
	e.aggregator.SetClock(opts.Now)
	e.ledger = posting.NewLedger(database)
	e.gate = session.NewCachedGate(opts.Gate, sessionCacheTTL)
	e.limiter = budget.NewLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)

	e.dispatcher = NewDispatcher(database, DispatcherConfig{
		Schedules:   e.schedules,
		State:       e.state,
		DayCap:      dayCap,
		Runs:        e.runs,
		Queue:       e.queue,
		Gate:        e.gate,
		MaxAttempts: cfg.MaxAttempts,
		DefaultLoc:  loc,
	}, log)

	e.registry = async.NewHandlerRegistry()
	posting.NewHandlers(opts.Platform, e.gate, e.ledger, opts.Now, log).Register(e.registry)

	if cfg.Workers > 0 {
		e.pool = async.NewWorkerPool(engineCtx, e.queue, e.registry, e.gate, e.limiter, e.aggregator,
			async.WorkerPoolConfig{
				Workers:      cfg.Workers,
				PollInterval: cfg.PollInterval(),
				Backoff:      async.Backoff{Base: cfg.BackoffBase(), Max: cfg.BackoffMax()},
				Now:          opts.Now,
			}, log)
	}
	if cfg.TickerIntervalSeconds > 0 {
		e.ticker = schedule.NewTickerWithContext(engineCtx, e.evaluator, e.dispatcher, e.queue, e.pool,
			schedule.TickerConfig{Interval: cfg.TickerInterval(), Now: opts.Now}, log)
	}
	e.watchdog = run.NewWatchdog(engineCtx, e.aggregator, cfg.RunDeadline(), cfg.WatchdogInterval(), opts.Now, log)
	e.sweepPeriod = cfg.WatchdogIntervalSeconds > 0 && cfg.RunDeadlineSeconds > 0
	if opts.ConfigPath != "" {
		watcher, err := am.NewConfigWatcher(opts.ConfigPath, log.Named("am"))
		if err != nil {
			// Live reload is a convenience; the engine runs without it
			e.logger.Warnw("Config watcher unavailable", logger.FieldPath, opts.ConfigPath, logger.FieldError, err)
		} else {
			watcher.OnReload(e.applyConfig)
			e.watcher = watcher
		}
	}
	return e, nil
}

// Start launches the worker pool, the watchdog, the ticker and the config
// watcher, in that order. Calling Start twice, or after Stop, is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.ctx.Err() != nil {
		return
	}
	e.started = true

	if e.pool != nil {
		e.pool.Start()
	}
	if e.sweepPeriod {
		e.watchdog.Start()
	}
	if e.ticker != nil {
		e.ticker.Start()
	}
	if e.watcher != nil {
		e.watcher.Start()
	}
	logger.AddPulseOpenSymbol(e.logger).Infow("Engine started",
		"workers", e.cfg.Workers,
		"clock", e.ticker != nil,
		"watchdog", e.sweepPeriod)
}

// Stop shuts components down in reverse start order. In-flight jobs finish
// or are released back to the queue.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false

	if e.watcher != nil {
		if err := e.watcher.Stop(); err != nil {
			e.logger.Warnw("Config watcher stop failed", logger.FieldError, err)
		}
	}
	if e.ticker != nil {
		e.ticker.Stop()
	}
	if e.sweepPeriod {
		e.watchdog.Stop()
	}
	if e.pool != nil {
		e.pool.Stop()
	}
	e.cancel()
	logger.AddPulseCloseSymbol(e.logger).Infow("Engine stopped")
}

// applyConfig applies the settings that can change without a restart
func (e *Engine) applyConfig(cfg *am.Config) error {
	p := cfg.Pulse
	e.limiter.SetRate(p.RateLimitPerMinute, p.RateLimitBurst)
	e.logger.Infow("Rate limit reloaded",
		"rate_limit_per_minute", p.RateLimitPerMinute,
		"rate_limit_burst", p.RateLimitBurst)
	return nil
}

// Limiter returns the shared platform rate limiter
func (e *Engine) Limiter() *budget.Limiter {
	return e.limiter
}

// Queue returns the job queue
func (e *Engine) Queue() *async.Queue {
	return e.queue
}

// Ticker returns the clock ticker, or nil when the clock is disabled
func (e *Engine) Ticker() *schedule.Ticker {
	return e.ticker
}

// Pool returns the worker pool, or nil when the engine only dispatches
func (e *Engine) Pool() *async.WorkerPool {
	return e.pool
}
