// Package geotime resolves schedule timezones and calendar-day boundaries.
package geotime

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/teranos/postpulse/errors"
)

// Local selects the host timezone wherever a timezone name is accepted
const Local = "local"

var cityTimezones = map[string]string{
	"amsterdam":     "Europe/Amsterdam",
	"berlin":        "Europe/Berlin",
	"london":        "Europe/London",
	"paris":         "Europe/Paris",
	"madrid":        "Europe/Madrid",
	"new york":      "America/New_York",
	"chicago":       "America/Chicago",
	"denver":        "America/Denver",
	"san francisco": "America/Los_Angeles",
	"los angeles":   "America/Los_Angeles",
	"toronto":       "America/Toronto",
	"sao paulo":     "America/Sao_Paulo",
	"sydney":        "Australia/Sydney",
	"singapore":     "Asia/Singapore",
	"tokyo":         "Asia/Tokyo",
	"seoul":         "Asia/Seoul",
	"mumbai":        "Asia/Kolkata",
}

var countryCodeTimezones = map[string]string{
	"nl": "Europe/Amsterdam",
	"de": "Europe/Berlin",
	"fr": "Europe/Paris",
	"es": "Europe/Madrid",
	"gb": "Europe/London",
	"uk": "Europe/London",
	"us": "America/New_York",
	"ca": "America/Toronto",
	"br": "America/Sao_Paulo",
	"au": "Australia/Sydney",
	"sg": "Asia/Singapore",
	"jp": "Asia/Tokyo",
	"kr": "Asia/Seoul",
	"in": "Asia/Kolkata",
}

var timezoneByAbbreviation = map[string]string{
	"pst":  "America/Los_Angeles",
	"pdt":  "America/Los_Angeles",
	"est":  "America/New_York",
	"edt":  "America/New_York",
	"cst":  "America/Chicago",
	"cdt":  "America/Chicago",
	"mst":  "America/Denver",
	"mdt":  "America/Denver",
	"bst":  "Europe/London",
	"cet":  "Europe/Berlin",
	"cest": "Europe/Berlin",
	"ist":  "Asia/Kolkata",
	"sgt":  "Asia/Singapore",
	"jst":  "Asia/Tokyo",
	"kst":  "Asia/Seoul",
	"aest": "Australia/Sydney",
}

var (
	locMu    sync.RWMutex
	locCache = map[string]*time.Location{}
)

// NormalizeTimezone resolves user input (IANA name in any case, common
// abbreviation, city, or country code) into a canonical IANA name.
func NormalizeTimezone(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New("timezone cannot be empty")
	}

	if strings.EqualFold(trimmed, Local) {
		return DetectLocalTimezone()
	}

	if isValidTimezone(trimmed) && !hasIncorrectCapitalization(trimmed) {
		return trimmed, nil
	}

	if candidate := sanitizeTimezone(trimmed); isValidTimezone(candidate) {
		return candidate, nil
	}

	lower := strings.ToLower(trimmed)
	if tz, ok := timezoneByAbbreviation[lower]; ok {
		return tz, nil
	}
	if tz, ok := cityTimezones[lower]; ok {
		return tz, nil
	}
	if tz, ok := countryCodeTimezones[lower]; ok {
		return tz, nil
	}

	// Valid but oddly cased (e.g. "utc")
	if isValidTimezone(trimmed) {
		return trimmed, nil
	}

	return "", errors.Newf("unknown timezone: %s", input)
}

// LoadLocation returns the *time.Location for an IANA name or "local", caching lookups.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, Local) {
		return time.Local, nil
	}

	locMu.RLock()
	loc, ok := locCache[name]
	locMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone: %s", name)
	}

	locMu.Lock()
	locCache[name] = loc
	locMu.Unlock()
	return loc, nil
}

// DayKey returns the calendar day (YYYY-MM-DD) of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// StartOfDay returns local midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// DetectLocalTimezone attempts to determine the host operating system timezone.
func DetectLocalTimezone() (string, error) {
	if tz := os.Getenv("TZ"); tz != "" {
		if isValidTimezone(tz) {
			return tz, nil
		}
	}

	if name := time.Now().Location().String(); name != "" && name != "Local" {
		if isValidTimezone(name) {
			return name, nil
		}
	}

	if data, err := os.ReadFile("/etc/timezone"); err == nil {
		tz := strings.TrimSpace(string(data))
		if isValidTimezone(tz) {
			return tz, nil
		}
	}

	if tz, err := readZoneinfoSymlink("/etc/localtime"); err == nil && tz != "" {
		return tz, nil
	}

	return "", errors.New("could not detect local timezone: tried TZ env var, time.Now().Location(), /etc/timezone, /etc/localtime")
}

func readZoneinfoSymlink(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	idx := strings.Index(resolved, "zoneinfo")
	if idx == -1 {
		return "", errors.New("zoneinfo segment not found")
	}
	candidate := strings.TrimPrefix(resolved[idx+len("zoneinfo"):], string(filepath.Separator))
	candidate = strings.ReplaceAll(candidate, string(os.PathSeparator), "/")
	if isValidTimezone(candidate) {
		return candidate, nil
	}
	return "", errors.Newf("invalid timezone: %q (from %s)", candidate, path)
}

// sanitizeTimezone title-cases each path segment and underscores spaces
func sanitizeTimezone(tz string) string {
	trimmed := strings.Trim(strings.TrimSpace(tz), "\"'")
	trimmed = strings.ReplaceAll(trimmed, " ", "_")
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		words := strings.Split(part, "_")
		for j, w := range words {
			words[j] = title(w)
		}
		parts[i] = strings.Join(words, "_")
	}
	return strings.Join(parts, "/")
}

func title(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func isValidTimezone(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// hasIncorrectCapitalization detects names like "america/new_york" whose
// segments start lowercase. Articles inside segments ("Port_of_Spain") are fine.
func hasIncorrectCapitalization(tz string) bool {
	if !strings.Contains(tz, "/") {
		return false
	}
	for _, part := range strings.Split(tz, "/") {
		if len(part) > 0 && part[0] >= 'a' && part[0] <= 'z' {
			return true
		}
	}
	return false
}

// ValidateTimezone ensures the timezone string maps to a valid IANA entry.
func ValidateTimezone(tz string) error {
	if !isValidTimezone(tz) {
		return errors.Newf("invalid timezone: %s", tz)
	}
	return nil
}
