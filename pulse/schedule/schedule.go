// Package schedule owns templates and schedules: trigger evaluation (which
// schedules are due now), activation state and daily eligibility, and the
// ticker that drives dispatch.
package schedule

import (
	"strings"
	"time"

	"github.com/teranos/postpulse/am/geotime"
	"github.com/teranos/postpulse/errors"
)

// Status constants for schedules
const (
	StatusActive = "ACTIVE" // Fires on its trigger
	StatusPaused = "PAUSED" // Skipped by the ticker; in-flight runs continue
)

// Template is a reusable content blueprint. Subject and Body may contain
// text/template placeholders rendered when jobs are created.
type Template struct {
	ID        string
	UserID    string
	BoardRef  string // Target board on the external platform
	Subject   string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks required fields and renders both templates against empty
// placeholders, so unknown fields are rejected here rather than at dispatch.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return errors.NewInvalidRequestError("template %s: user_id is required", t.ID)
	}
	if strings.TrimSpace(t.BoardRef) == "" {
		return errors.NewInvalidRequestError("template %s: board_ref is required", t.ID)
	}
	if strings.TrimSpace(t.Subject) == "" && strings.TrimSpace(t.Body) == "" {
		return errors.NewInvalidRequestError("template %s: subject or body is required", t.ID)
	}
	_, _, err := t.Render(Vars{})
	return err
}

// Schedule is a recurring posting directive. Exactly one of CronExpr and
// IntervalMinutes is set.
type Schedule struct {
	ID              string
	UserID          string
	TemplateID      string
	CronExpr        string // 5-field standard cron or descriptor (@hourly)
	IntervalMinutes int    // Fixed cadence between clock-triggered runs
	MaxPostsPerDay  int    // Cap on CREATE_POST jobs per calendar day
	PostsPerRun     int    // CREATE_POST jobs requested per firing
	Timezone        string // IANA name; empty = engine default
	SyncAfterPost   bool   // Append a SYNC_POSTS job to runs that post
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsCron reports whether the schedule fires on a cron expression
func (s *Schedule) IsCron() bool {
	return s.CronExpr != ""
}

// Validate rejects malformed configuration before it reaches the engine
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return errors.NewInvalidRequestError("schedule %s: user_id is required", s.ID)
	}
	if strings.TrimSpace(s.TemplateID) == "" {
		return errors.NewInvalidRequestError("schedule %s: template_id is required", s.ID)
	}

	hasCron := strings.TrimSpace(s.CronExpr) != ""
	hasInterval := s.IntervalMinutes != 0
	switch {
	case hasCron && hasInterval:
		return errors.NewInvalidRequestError("schedule %s: cron and interval_minutes are mutually exclusive", s.ID)
	case !hasCron && !hasInterval:
		return errors.NewInvalidRequestError("schedule %s: one of cron or interval_minutes is required", s.ID)
	case hasInterval && s.IntervalMinutes < 1:
		return errors.NewInvalidRequestError("schedule %s: interval_minutes must be >= 1, got %d", s.ID, s.IntervalMinutes)
	case hasCron:
		if _, err := ParseCron(s.CronExpr); err != nil {
			return errors.Mark(errors.Wrapf(err, "schedule %s", s.ID), errors.ErrInvalidRequest)
		}
	}

	if s.MaxPostsPerDay < 1 {
		return errors.NewInvalidRequestError("schedule %s: max_posts_per_day must be >= 1, got %d", s.ID, s.MaxPostsPerDay)
	}
	if s.PostsPerRun < 1 {
		return errors.NewInvalidRequestError("schedule %s: posts_per_run must be >= 1, got %d", s.ID, s.PostsPerRun)
	}
	if s.Timezone != "" {
		if _, err := geotime.LoadLocation(s.Timezone); err != nil {
			return errors.Mark(errors.Wrapf(err, "schedule %s", s.ID), errors.ErrInvalidRequest)
		}
	}

	switch s.Status {
	case StatusActive, StatusPaused:
	default:
		return errors.NewInvalidRequestError("schedule %s: unknown status %q", s.ID, s.Status)
	}
	return nil
}

// Location resolves the schedule's timezone, falling back to def
func (s *Schedule) Location(def *time.Location) *time.Location {
	if s.Timezone == "" {
		return def
	}
	loc, err := geotime.LoadLocation(s.Timezone)
	if err != nil {
		return def
	}
	return loc
}
