package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep log queries stable.
const (
	// Identity
	FieldJobID      = "job_id"
	FieldRunID      = "run_id"
	FieldScheduleID = "schedule_id"
	FieldTemplateID = "template_id"
	FieldUserID     = "user_id"
	FieldPostID     = "post_id"
	FieldWorkerID   = "worker_id"

	// Components
	FieldComponent = "component"

	// Job and run state
	FieldJobType   = "job_type"
	FieldStatus    = "status"
	FieldReason    = "reason"
	FieldAttempt   = "attempt"
	FieldSlot      = "slot"
	FieldTotal     = "total_jobs"
	FieldDone      = "completed_jobs"
	FieldFailed    = "failed_jobs"
	FieldBackoff   = "backoff"
	FieldNotBefore = "not_before"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Files and paths
	FieldPath = "path"

	// Symbol segment (꩜, ✿, ❀, ...)
	FieldSymbol = "symbol"
)

type contextKey string

const (
	runIDKey     contextKey = "logger_run_id"
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		fields = append(fields, FieldRunID, runID)
	}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the run/job/component fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
