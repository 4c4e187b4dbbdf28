package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// JobHandler executes one job type.
//
// Handlers decode their own payload from job.Payload and may record a result
// with job.SetResult. The returned error decides the job's fate: nil completes
// it, an error marked Retryable requeues it with backoff while attempts
// remain, anything else fails it. Handlers never write job state themselves.
type JobHandler interface {
	Execute(ctx context.Context, job *Job) error

	// Type returns the job type this handler serves
	Type() JobType
}

// HandlerFunc adapts a function to JobHandler
type HandlerFunc struct {
	JobType JobType
	Fn      func(ctx context.Context, job *Job) error
}

// Execute calls Fn
func (h HandlerFunc) Execute(ctx context.Context, job *Job) error { return h.Fn(ctx, job) }

// Type returns JobType
func (h HandlerFunc) Type() JobType { return h.JobType }

// HandlerRegistry manages job handlers by job type.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[JobType]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[JobType]JobHandler),
	}
}

// Register adds a handler for its type.
// Panics if a handler is already registered for that type.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := handler.Type()
	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", jobType))
	}
	r.handlers[jobType] = handler
}

// Get retrieves the handler for a job type.
func (r *HandlerRegistry) Get(jobType JobType) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Has checks if a handler is registered for a type.
func (r *HandlerRegistry) Has(jobType JobType) bool {
	_, ok := r.Get(jobType)
	return ok
}

// Types returns all registered job types, sorted.
func (r *HandlerRegistry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
