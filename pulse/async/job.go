// Package async provides the durable job queue and the worker pool that
// executes posting jobs against the external platform.
package async

import (
	"encoding/json"
	"time"

	"github.com/teranos/vanity-id"

	"github.com/teranos/postpulse/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition may leave s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// transitions lists every edge of the job state machine.
//
//	PENDING    -> PROCESSING (claim), CANCELLED (cancel before claim),
//	              FAILED (session cascade, run timeout)
//	PROCESSING -> COMPLETED, FAILED, PENDING (retry or crash recovery)
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusPending},
}

// CanTransition reports whether from -> to is a legal job transition.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobType selects the handler that executes a job
type JobType string

const (
	JobTypeInitSession JobType = "INIT_SESSION"
	JobTypeCreatePost  JobType = "CREATE_POST"
	JobTypeSyncPosts   JobType = "SYNC_POSTS"
	JobTypeDeletePost  JobType = "DELETE_POST"
)

// IsValidType returns true if the string names a known job type
func IsValidType(s string) bool {
	switch JobType(s) {
	case JobTypeInitSession, JobTypeCreatePost, JobTypeSyncPosts, JobTypeDeletePost:
		return true
	default:
		return false
	}
}

// Failure reasons recorded on FAILED and CANCELLED jobs.
const (
	ReasonSessionUnavailable = "SESSION_UNAVAILABLE"
	ReasonRunTimeout         = "RUN_TIMEOUT"
	ReasonMaxAttempts        = "MAX_ATTEMPTS_EXCEEDED"
	ReasonTerminalError      = "TERMINAL_ERROR"
	ReasonNoHandler          = "NO_HANDLER"
	ReasonRunCancelled       = "RUN_CANCELLED"
)

// Job is one unit of work belonging to a run.
//
// Payload is owned by the handler for the job's type; the queue never looks
// inside it. Result is whatever the handler chose to record on success.
type Job struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	UserID      string          `json:"user_id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	NotBefore   time.Time       `json:"not_before"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob creates a PENDING job for runID, eligible immediately.
//
// Example:
//
//	payload, _ := json.Marshal(posting.CreatePostPayload{BoardRef: "b1", Subject: "hi", Body: "..."})
//	job, _ := async.NewJob(run.ID, "user-7", async.JobTypeCreatePost, payload, 3, now)
func NewJob(runID, userID string, jobType JobType, payload json.RawMessage, maxAttempts int, now time.Time) (*Job, error) {
	if runID == "" {
		return nil, errors.New("runID cannot be empty")
	}
	if userID == "" {
		return nil, errors.New("userID cannot be empty")
	}
	if !IsValidType(string(jobType)) {
		return nil, errors.Newf("unknown job type %q", jobType)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	// Format: JB + random(2) + type(5) + random(2) + process(7) + random(2) + run(5) + random(4) + user(3)
	jobID, err := id.GenerateJobASID(string(jobType), runID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate job ASID")
	}

	now = now.UTC()
	return &Job{
		ID:          jobID,
		RunID:       runID,
		UserID:      userID,
		Type:        jobType,
		Status:      JobStatusPending,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		NotBefore:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// AttemptsLeft reports whether a retryable failure may requeue the job.
func (j *Job) AttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		err = errors.Wrap(err, "failed to unmarshal job payload")
		return errors.WithDetail(err, "Job ID: "+j.ID)
	}
	return nil
}

// Snapshot returns a deep copy that shares no memory with j
func (j *Job) Snapshot() *Job {
	cp := *j
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	cp.Result = append(json.RawMessage(nil), j.Result...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// SetResult records a handler result on the job.
func (j *Job) SetResult(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job result")
	}
	j.Result = data
	return nil
}
