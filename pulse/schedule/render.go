package schedule

import (
	"bytes"
	"text/template"
	"time"

	"github.com/teranos/postpulse/errors"
)

// Vars are the placeholders available to subject and body templates
type Vars struct {
	Date       string // 2006-01-02 in the schedule's timezone
	Time       string // 15:04 in the schedule's timezone
	Weekday    string
	Sequence   int
	ScheduleID string
	RunID      string
	UserID     string
}

// NewVars fills the time placeholders from at, expressed in loc
func NewVars(at time.Time, loc *time.Location, scheduleID, runID, userID string, sequence int) Vars {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	return Vars{
		Date:       local.Format("2006-01-02"),
		Time:       local.Format("15:04"),
		Weekday:    local.Weekday().String(),
		Sequence:   sequence,
		ScheduleID: scheduleID,
		RunID:      runID,
		UserID:     userID,
	}
}

// Render expands the subject and body with vars.
// Unknown placeholders are an error rather than "<no value>".
func (t *Template) Render(vars Vars) (subject, body string, err error) {
	subject, err = renderText(t.ID, "subject", t.Subject, vars)
	if err != nil {
		return "", "", err
	}
	body, err = renderText(t.ID, "body", t.Body, vars)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func renderText(templateID, name, text string, vars Vars) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "template %s: %s does not parse", templateID, name), errors.ErrInvalidRequest)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", errors.Mark(errors.Wrapf(err, "template %s: %s does not render", templateID, name), errors.ErrInvalidRequest)
	}
	return buf.String(), nil
}
