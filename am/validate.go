package am

import (
	"strings"

	"github.com/teranos/postpulse/am/geotime"
	"github.com/teranos/postpulse/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Pulse workers: 0 = dispatch only (another process drains the queue), negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}

	// Ticker interval: 0 = no clock triggers, negative = invalid
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	// Slower than a minute would skip cron slots
	if c.Pulse.TickerIntervalSeconds > 60 {
		return errors.Newf("pulse.ticker_interval_seconds must be <= 60, got %d", c.Pulse.TickerIntervalSeconds)
	}

	if c.Pulse.PollIntervalMS <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0, got %d", c.Pulse.PollIntervalMS)
	}

	// Rate limit: 0 = unlimited, negative = invalid
	if c.Pulse.RateLimitPerMinute < 0 {
		return errors.Newf("pulse.rate_limit_per_minute must be >= 0, got %d", c.Pulse.RateLimitPerMinute)
	}
	if c.Pulse.RateLimitPerMinute > 0 && c.Pulse.RateLimitBurst <= 0 {
		return errors.Newf("pulse.rate_limit_burst must be > 0 when rate limiting, got %d", c.Pulse.RateLimitBurst)
	}

	if c.Pulse.MaxAttempts < 1 {
		return errors.Newf("pulse.max_attempts must be >= 1, got %d", c.Pulse.MaxAttempts)
	}
	if c.Pulse.BackoffBaseMS <= 0 {
		return errors.Newf("pulse.backoff_base_ms must be > 0, got %d", c.Pulse.BackoffBaseMS)
	}
	if c.Pulse.BackoffMaxMS < c.Pulse.BackoffBaseMS {
		return errors.Newf("pulse.backoff_max_ms (%d) must be >= pulse.backoff_base_ms (%d)",
			c.Pulse.BackoffMaxMS, c.Pulse.BackoffBaseMS)
	}

	if c.Pulse.RunDeadlineSeconds <= 0 {
		return errors.Newf("pulse.run_deadline_seconds must be > 0, got %d", c.Pulse.RunDeadlineSeconds)
	}
	if c.Pulse.WatchdogIntervalSeconds < 0 {
		return errors.Newf("pulse.watchdog_interval_seconds must be >= 0, got %d", c.Pulse.WatchdogIntervalSeconds)
	}

	if tz := c.Pulse.DefaultTimezone; tz != "" && !strings.EqualFold(tz, "local") {
		if err := geotime.ValidateTimezone(tz); err != nil {
			return errors.Wrap(err, "pulse.default_timezone")
		}
	}

	if c.Platform.TimeoutSeconds <= 0 {
		return errors.Newf("platform.timeout_seconds must be > 0, got %d", c.Platform.TimeoutSeconds)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}

	return nil
}
