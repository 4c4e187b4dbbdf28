package engine

import (
	"context"
	"database/sql"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/teranos/postpulse/am/geotime"
	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/schedule"
)

// ImportFile is the TOML document accepted by ImportSchedules:
//
//	[[template]]
//	id = "weekly-digest"
//	user_id = "alice"
//	board_ref = "general"
//	subject = "{{.Weekday}} digest"
//	body = "Posted {{.Date}}"
//
//	[[schedule]]
//	template_id = "weekly-digest"
//	user_id = "alice"
//	cron = "0 9 * * MON"
//	max_posts_per_day = 1
type ImportFile struct {
	Templates []ImportTemplate `toml:"template"`
	Schedules []ImportSchedule `toml:"schedule"`
}

// ImportTemplate is one [[template]] table
type ImportTemplate struct {
	ID       string `toml:"id"`
	UserID   string `toml:"user_id"`
	BoardRef string `toml:"board_ref"`
	Subject  string `toml:"subject"`
	Body     string `toml:"body"`
}

// ImportSchedule is one [[schedule]] table. A missing id gets a fresh UUID.
type ImportSchedule struct {
	ID              string `toml:"id"`
	UserID          string `toml:"user_id"`
	TemplateID      string `toml:"template_id"`
	Cron            string `toml:"cron"`
	IntervalMinutes int    `toml:"interval_minutes"`
	MaxPostsPerDay  int    `toml:"max_posts_per_day"`
	PostsPerRun     int    `toml:"posts_per_run"`
	Timezone        string `toml:"timezone"`
	SyncAfterPost   bool   `toml:"sync_after_post"`
	Paused          bool   `toml:"paused"` // Only honored for new schedules
}

// ImportResult reports what an import wrote
type ImportResult struct {
	Templates   int
	Schedules   int
	ScheduleIDs []string
}

// ImportSchedules upserts every template and schedule in r, all or nothing.
// Re-importing a file updates configuration but never re-activates a paused
// schedule.
func (e *Engine) ImportSchedules(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var file ImportFile
	meta, err := toml.NewDecoder(r).Decode(&file)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse schedule file"), errors.ErrInvalidRequest)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.NewInvalidRequestError("unknown keys in schedule file: %v", undecoded)
	}

	result := &ImportResult{}
	err = db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		store := e.schedules.WithTx(tx)
		for _, t := range file.Templates {
			if t.ID == "" {
				return errors.NewInvalidRequestError("template for board %q has no id", t.BoardRef)
			}
			if err := store.UpsertTemplate(ctx, &schedule.Template{
				ID:       t.ID,
				UserID:   t.UserID,
				BoardRef: t.BoardRef,
				Subject:  t.Subject,
				Body:     t.Body,
			}); err != nil {
				return err
			}
			result.Templates++
		}

		for _, s := range file.Schedules {
			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			tz := s.Timezone
			if tz != "" {
				normalized, err := geotime.NormalizeTimezone(tz)
				if err != nil {
					return errors.Mark(errors.Wrapf(err, "schedule %s", s.ID), errors.ErrInvalidRequest)
				}
				tz = normalized
			}
			status := schedule.StatusActive
			if s.Paused {
				status = schedule.StatusPaused
			}
			if err := store.UpsertSchedule(ctx, &schedule.Schedule{
				ID:              s.ID,
				UserID:          s.UserID,
				TemplateID:      s.TemplateID,
				CronExpr:        s.Cron,
				IntervalMinutes: s.IntervalMinutes,
				MaxPostsPerDay:  s.MaxPostsPerDay,
				PostsPerRun:     s.PostsPerRun,
				Timezone:        tz,
				SyncAfterPost:   s.SyncAfterPost,
				Status:          status,
			}); err != nil {
				return err
			}
			result.Schedules++
			result.ScheduleIDs = append(result.ScheduleIDs, s.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Infow("Schedules imported",
		"templates", result.Templates,
		"schedules", result.Schedules)
	return result, nil
}
