package geotime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTimezone(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Europe/Amsterdam", "Europe/Amsterdam"},
		{"europe/berlin", "Europe/Berlin"},
		{"america/new_york", "America/New_York"},
		{"PST", "America/Los_Angeles"},
		{"Amsterdam", "Europe/Amsterdam"},
		{"San Francisco", "America/Los_Angeles"},
		{"NL", "Europe/Amsterdam"},
		{"UTC", "UTC"},
		// Valid IANA names with lowercase articles stay untouched
		{"America/Port_of_Spain", "America/Port_of_Spain"},
		{"Europe/Isle_of_Man", "Europe/Isle_of_Man"},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			actual, err := NormalizeTimezone(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestNormalizeTimezoneErrors(t *testing.T) {
	_, err := NormalizeTimezone("")
	assert.Error(t, err)

	_, err = NormalizeTimezone("Atlantis/Lost_City")
	assert.Error(t, err)
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())

	again, err := LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.Same(t, loc, again, "lookups are cached")

	local, err := LoadLocation("local")
	require.NoError(t, err)
	assert.Equal(t, time.Local, local)

	_, err = LoadLocation("Not/AZone")
	assert.Error(t, err)
}

func TestDayKeyFollowsTimezone(t *testing.T) {
	// 23:30 UTC on March 1 is already March 2 in Tokyo and still March 1 in New York
	instant := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)

	tokyo, err := LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	nyc, err := LoadLocation("America/New_York")
	require.NoError(t, err)

	assert.Equal(t, "2026-03-02", DayKey(instant, tokyo))
	assert.Equal(t, "2026-03-01", DayKey(instant, nyc))
	assert.Equal(t, "2026-03-01", DayKey(instant, time.UTC))

	start := StartOfDay(instant, tokyo)
	assert.Equal(t, 0, start.Hour())
	assert.Equal(t, 2, start.Day())
}

func TestValidateTimezone(t *testing.T) {
	assert.NoError(t, ValidateTimezone("Europe/London"))
	assert.Error(t, ValidateTimezone("Mars/Olympus"))
	assert.Error(t, ValidateTimezone(""))
}
