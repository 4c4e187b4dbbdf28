package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/async"
)

// recordingDispatcher remembers every due slot it was handed
type recordingDispatcher struct {
	mu   sync.Mutex
	due  []Due
	fail map[string]bool
}

func (d *recordingDispatcher) DispatchDue(ctx context.Context, due Due, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[due.Schedule.ID] {
		return errors.Newf("dispatch of %s refused", due.Schedule.ID)
	}
	d.due = append(d.due, due)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.due)
}

func TestTickDispatchesDueSchedules(t *testing.T) {
	store := NewStore(createTestDB(t))
	seedTemplate(t, store, "tpl")
	seedSchedule(t, store, &Schedule{ID: "a", IntervalMinutes: 5})
	seedSchedule(t, store, &Schedule{ID: "b", IntervalMinutes: 5})
	seedSchedule(t, store, &Schedule{ID: "broken", IntervalMinutes: 5})

	dispatcher := &recordingDispatcher{fail: map[string]bool{"broken": true}}
	eval := NewTriggerEvaluator(store, time.UTC, zap.NewNop().Sugar())
	ticker := NewTicker(eval, dispatcher, nil, nil, DefaultTickerConfig(), zap.NewNop().Sugar())

	n, err := ticker.Tick(context.Background(), time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one failing schedule must not block the rest")
	assert.Equal(t, 2, dispatcher.count())
}

func TestTickerLoop(t *testing.T) {
	database := createTestDB(t)
	store := NewStore(database)
	seedTemplate(t, store, "tpl")
	seedSchedule(t, store, &Schedule{ID: "a", IntervalMinutes: 5})

	dispatcher := &recordingDispatcher{}
	eval := NewTriggerEvaluator(store, time.UTC, zap.NewNop().Sugar())
	queue := async.NewQueue(database)
	ticker := NewTicker(eval, dispatcher, queue, nil, TickerConfig{Interval: 10 * time.Millisecond}, zap.NewNop().Sugar())

	ticker.Start()
	// The first tick happens immediately on start
	require.Eventually(t, func() bool { return dispatcher.count() >= 1 }, time.Second, 5*time.Millisecond)
	ticker.Stop()

	stats := ticker.GetStats()
	assert.GreaterOrEqual(t, stats["ticks_since_start"].(int64), int64(1))
}
