package db

import (
	"database/sql"
	"time"

	"github.com/teranos/postpulse/errors"
)

// TimeLayout is the fixed-width UTC layout used for every timestamp column.
// Fixed width keeps text comparison in SQL chronological.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// DayLayout is the calendar-day key layout (day counters, run dates).
const DayLayout = "2006-01-02"

// FormatTime encodes t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// NullTime encodes an optional timestamp; nil becomes SQL NULL.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseTime decodes a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Rows written by hand (sqlite3 CLI, fixtures) tend to use RFC3339
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
		}
	}
	return t.UTC(), nil
}

// ParseNullTime decodes an optional timestamp.
func ParseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
