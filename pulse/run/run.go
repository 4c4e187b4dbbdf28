// Package run tracks schedule firings. A Run groups the jobs one firing
// produced; its counters are only ever moved by the Aggregator, in the same
// transaction as the job transition they count.
package run

import (
	"time"

	"github.com/teranos/vanity-id"

	"github.com/teranos/postpulse/pulse/async"
)

// Status is the aggregate state of a run
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusRunning       Status = "RUNNING"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusPartialFailed Status = "PARTIAL_FAILED"
	StatusCancelled     Status = "CANCELLED"
)

// IsFinal reports whether the status is only reachable on finalization
func (s Status) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartialFailed, StatusCancelled:
		return true
	}
	return false
}

// Trigger records what created a run
type Trigger string

const (
	TriggerClock  Trigger = "CLOCK"  // Due slot found by the ticker
	TriggerManual Trigger = "MANUAL" // TriggerNow
	TriggerSync   Trigger = "SYNC"   // SyncNow
	TriggerDelete Trigger = "DELETE" // DeletePost
)

// Run is one firing of a schedule
type Run struct {
	ID              string       `json:"id"`
	ScheduleID      string       `json:"schedule_id"`
	Trigger         Trigger      `json:"trigger"`
	SlotKey         string       `json:"slot_key,omitempty"` // Clock runs only
	RunDate         string       `json:"run_date"`           // Calendar day in the schedule's timezone
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	TotalJobs       int          `json:"total_jobs"`
	CompletedJobs   int          `json:"completed_jobs"`
	FailedJobs      int          `json:"failed_jobs"`
	CancelledJobs   int          `json:"cancelled_jobs"`
	Status          Status       `json:"status"`
	CancelRequested bool         `json:"cancel_requested"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Jobs            []JobSummary `json:"jobs,omitempty"` // Filled by GetRun only
}

// NewRun creates a PENDING run started at now
func NewRun(scheduleID string, trigger Trigger, slotKey, runDate string, now time.Time) *Run {
	now = now.UTC()
	return &Run{
		// PX-prefixed pulse execution ASID
		ID:         id.GenerateExecutionID(),
		ScheduleID: scheduleID,
		Trigger:    trigger,
		SlotKey:    slotKey,
		RunDate:    runDate,
		StartedAt:  now,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Concluded is the number of jobs in a terminal state
func (r *Run) Concluded() int {
	return r.CompletedJobs + r.FailedJobs + r.CancelledJobs
}

// IsOpen reports whether the run has not been finalized
func (r *Run) IsOpen() bool {
	return r.FinishedAt == nil
}

// FinalStatus derives the frozen status of a run from its counters.
//
//	COMPLETED       no failures and every job completed (including zero jobs)
//	FAILED          failures and no completions
//	PARTIAL_FAILED  both failures and completions
//	CANCELLED       cancellation was requested and took at least one job
func FinalStatus(completed, failed, cancelled, total int, cancelRequested bool) Status {
	switch {
	case cancelRequested && cancelled > 0:
		return StatusCancelled
	case failed == 0 && completed == total:
		return StatusCompleted
	case completed == 0 && failed > 0:
		return StatusFailed
	case completed > 0 && failed > 0:
		return StatusPartialFailed
	case cancelled > 0:
		return StatusCancelled
	default:
		return StatusCompleted
	}
}

// JobSummary is the per-job view embedded in GetRun
type JobSummary struct {
	ID         string          `json:"id"`
	Type       async.JobType   `json:"type"`
	UserID     string          `json:"user_id"`
	Status     async.JobStatus `json:"status"`
	Attempts   int             `json:"attempts"`
	Reason     string          `json:"reason,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Summaries converts jobs to summaries
func Summaries(jobs []*async.Job) []JobSummary {
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobSummary{
			ID:         j.ID,
			Type:       j.Type,
			UserID:     j.UserID,
			Status:     j.Status,
			Attempts:   j.Attempts,
			Reason:     j.Reason,
			LastError:  j.LastError,
			StartedAt:  j.StartedAt,
			FinishedAt: j.FinishedAt,
		})
	}
	return out
}

// Page is one page of a schedule's run history, newest first
type Page struct {
	Runs    []*Run `json:"runs"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	Limit   int    `json:"limit"`
	HasMore bool   `json:"has_more"`
}
