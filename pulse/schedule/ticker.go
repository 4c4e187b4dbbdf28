package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/async"
	"github.com/teranos/postpulse/sym"
)

// Dispatcher turns a due schedule into a run and its jobs.
// Implemented by the engine; defined here to keep schedule free of run/job wiring.
type Dispatcher interface {
	DispatchDue(ctx context.Context, due Due, now time.Time) error
}

// Ticker evaluates triggers on a fixed period and hands due schedules to the
// dispatcher. Evaluation never waits on job execution.
type Ticker struct {
	evaluator       *TriggerEvaluator
	dispatcher      Dispatcher
	queue           *async.Queue      // Optional: activity line
	workerPool      *async.WorkerPool // Optional: system metrics in activity line
	interval        time.Duration
	now             func() time.Time
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	logger          *zap.SugaredLogger
	pulseLog        *zap.SugaredLogger // Logger with Pulse symbol pre-attached
	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int // Track last active work count to detect changes
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval time.Duration    // How often to evaluate triggers (default: 20 seconds)
	Now      func() time.Time // Clock; defaults to time.Now
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 20 * time.Second,
		Now:      time.Now,
	}
}

// NewTicker creates a new Pulse ticker
func NewTicker(evaluator *TriggerEvaluator, dispatcher Dispatcher, queue *async.Queue, workerPool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), evaluator, dispatcher, queue, workerPool, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, evaluator *TriggerEvaluator, dispatcher Dispatcher, queue *async.Queue, workerPool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Ticker{
		evaluator:  evaluator,
		dispatcher: dispatcher,
		queue:      queue,
		workerPool: workerPool,
		interval:   cfg.Interval,
		now:        cfg.Now,
		ctx:        tickerCtx,
		cancel:     cancel,
		logger:     log,
		pulseLog:   logger.AddPulseSymbol(log),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	logger.AddPulseOpenSymbol(t.logger).Infow("Pulse ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	logger.AddPulseCloseSymbol(t.logger).Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// Evaluate immediately so a restart inside a due minute does not miss it
	t.tickOnce()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tickOnce()
		}
	}
}

func (t *Ticker) tickOnce() {
	now := t.now()

	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	tick := t.ticksSinceStart
	t.mu.Unlock()

	t.logActivity(now)

	if _, err := t.Tick(t.ctx, now); err != nil {
		// Don't spam logs - log errors at warn level
		t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", tick)
	}
}

// Tick evaluates triggers at now and dispatches every due schedule.
// Returns how many schedules were dispatched.
func (t *Ticker) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := t.evaluator.DueAt(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to evaluate triggers")
	}

	dispatched := 0
	for _, d := range due {
		select {
		case <-ctx.Done():
			return dispatched, ctx.Err()
		default:
		}

		if err := t.dispatcher.DispatchDue(ctx, d, now); err != nil {
			// Continue with other schedules even if one fails
			t.pulseLog.Errorw("Failed to dispatch schedule",
				logger.FieldScheduleID, d.Schedule.ID,
				logger.FieldSlot, d.SlotKey,
				logger.FieldError, err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// logActivity logs queue activity when it changes, with the next firing
func (t *Ticker) logActivity(now time.Time) {
	if t.queue == nil {
		return
	}

	stats, err := t.queue.GetStats(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get queue stats", logger.FieldError, err)
		return
	}

	activeWork := stats.Pending + stats.Processing

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()

	if !hasChanged {
		return
	}

	// One pulse symbol per 5 active jobs, capped
	pulseIndicator := ""
	if activeWork > 0 {
		numSymbols := (activeWork / 5) + 1
		if numSymbols > 60 {
			numSymbols = 60
		}
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols)) + " "
	}

	msg := fmt.Sprintf("%sPulse - %d jobs active", pulseIndicator, activeWork)
	if next, label := t.nextFire(now); !next.IsZero() {
		until := next.Sub(now)
		if until < 0 {
			until = 0
		}
		msg += fmt.Sprintf(", next %s in %s", label, until.Round(time.Second))
	}

	if t.workerPool != nil {
		metrics := t.workerPool.GetSystemMetrics()
		msg += fmt.Sprintf(" │ Workers: %d/%d active, %d done │ Queue: %d pending │ Mem: %.1f/%.1fGB (%.0f%%), rss %.0fMB",
			metrics.WorkersActive, metrics.WorkersTotal, metrics.JobsProcessed, metrics.JobsPending,
			metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent, metrics.ProcessRSSMB)
	}

	t.pulseLog.Infow(msg)
}

// nextFire finds the soonest upcoming firing among active schedules
func (t *Ticker) nextFire(now time.Time) (time.Time, string) {
	schedules, err := t.evaluator.store.ListSchedules(t.ctx, StatusActive)
	if err != nil {
		return time.Time{}, ""
	}

	var (
		best  time.Time
		label string
	)
	for _, s := range schedules {
		next, err := t.evaluator.NextFire(t.ctx, s, now)
		if err != nil {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best, label = next, s.ID
		}
	}
	return best, label
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}
