package run

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/logger"
)

// Watchdog finalizes runs that outlive the run deadline, bounding how long a
// wedged worker or a platform outage can keep a run open.
type Watchdog struct {
	aggregator *Aggregator
	deadline   time.Duration
	interval   time.Duration
	now        func() time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger
}

// NewWatchdog creates a watchdog sweeping every interval. Periodic sweeps
// read the time from now; nil means time.Now.
func NewWatchdog(ctx context.Context, aggregator *Aggregator, deadline, interval time.Duration, now func() time.Time, log *zap.SugaredLogger) *Watchdog {
	wctx, cancel := context.WithCancel(ctx)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Watchdog{
		aggregator: aggregator,
		deadline:   deadline,
		interval:   interval,
		now:        now,
		ctx:        wctx,
		cancel:     cancel,
		logger:     logger.AddWatchdogSymbol(log.Named("watchdog")),
	}
}

// Start begins periodic sweeps
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.run()
	logger.AddPulseOpenSymbol(w.logger).Infow("Run watchdog started",
		"deadline", w.deadline, "interval", w.interval)
}

// Stop ends the sweep loop
func (w *Watchdog) Stop() {
	w.cancel()
	w.wg.Wait()
	logger.AddPulseCloseSymbol(w.logger).Infow("Run watchdog stopped")
}

func (w *Watchdog) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(w.ctx, w.now()); err != nil && w.ctx.Err() == nil {
			w.logger.Warnw("Watchdog sweep failed", logger.FieldError, err)
		}
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep expires every open run started more than the deadline before now.
// Returns how many runs it finalized.
func (w *Watchdog) Sweep(ctx context.Context, now time.Time) (int, error) {
	if w.deadline <= 0 {
		return 0, nil
	}

	stale, err := w.aggregator.store.ListOpenStartedBefore(ctx, now.Add(-w.deadline))
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if _, err := w.aggregator.Expire(ctx, r.ID); err != nil {
			// One bad run must not block the rest
			w.logger.Errorw("Failed to expire run", logger.FieldRunID, r.ID, logger.FieldError, err)
			continue
		}
		expired++
	}
	return expired, nil
}
