package async

import (
	"context"
	"database/sql"
	"sync"

	"github.com/teranos/postpulse/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the durable job queue. Storage lives in Store; Queue adds change
// notification so idle workers wake on enqueue and observers (the CLI follow
// mode, tests) see job updates.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job   // Channels to notify of job updates
	ready       chan struct{} // Signalled on enqueue; capacity 1
}

// NewQueue creates a new job queue
func NewQueue(database *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(database),
		subscribers: make([]chan *Job, 0),
		ready:       make(chan struct{}, 1),
	}
}

// Store returns the queue's job store
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue adds a new job to the queue
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetailf(err, "Run ID: %s", job.RunID)
		return errors.WithDetailf(err, "Type: %s", job.Type)
	}
	q.Notify(job)
	return nil
}

// Notify wakes idle workers and publishes job to subscribers. Callers that
// insert jobs inside their own transaction call it after commit.
func (q *Queue) Notify(job *Job) {
	select {
	case q.ready <- struct{}{}:
	default:
	}

	if job == nil {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	q.notifySubscribers(job)
}

// Ready returns a channel that receives after new work was enqueued
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	return q.store.ListJobs(ctx, status, limit)
}

// ListRunJobs returns every job of a run
func (q *Queue) ListRunJobs(ctx context.Context, runID string) ([]*Job, error) {
	return q.store.ListRunJobs(ctx, runID)
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it themselves
// after unsubscribing if needed. This prevents double-close panics.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends each subscriber its own snapshot of job, taken
// now, so later changes by the worker never reach a reader.
// REQUIRES: q.mu must be held by caller (either Lock or RLock).
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(job *Job) {
	for _, ch := range q.subscribers {
		select {
		case ch <- job.Snapshot():
		default:
			// Subscriber channel full, skip
		}
	}
}

// QueueStats summarizes the queue by status
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue stats")
	}

	stats := &QueueStats{
		Pending:    counts[JobStatusPending],
		Processing: counts[JobStatusProcessing],
		Completed:  counts[JobStatusCompleted],
		Failed:     counts[JobStatusFailed],
		Cancelled:  counts[JobStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// GetJobCounts returns quick counts of pending and processing jobs (for system metrics)
func (q *Queue) GetJobCounts(ctx context.Context) (pending int, processing int, err error) {
	stats, err := q.GetStats(ctx)
	if err != nil {
		return 0, 0, err
	}
	return stats.Pending, stats.Processing, nil
}
