package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "postpulse.db")

	// Pulse (schedule engine) defaults
	v.SetDefault("pulse.workers", 4)
	v.SetDefault("pulse.poll_interval_ms", 500)
	v.SetDefault("pulse.ticker_interval_seconds", 20) // Several evaluations per minute slot
	v.SetDefault("pulse.rate_limit_per_minute", 30)   // Shared across all workers
	v.SetDefault("pulse.rate_limit_burst", 1)
	v.SetDefault("pulse.max_attempts", 3)
	v.SetDefault("pulse.backoff_base_ms", 2000)
	v.SetDefault("pulse.backoff_max_ms", 300000) // 5 minutes
	v.SetDefault("pulse.run_deadline_seconds", 1800)
	v.SetDefault("pulse.watchdog_interval_seconds", 30)
	v.SetDefault("pulse.default_timezone", "UTC")

	// Platform defaults
	v.SetDefault("platform.base_url", "http://localhost:8080")
	v.SetDefault("platform.timeout_seconds", 30)
	v.SetDefault("platform.block_private_network", false)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("platform.token", "POSTPULSE_PLATFORM_TOKEN")
	v.BindEnv("database.path", "POSTPULSE_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "postpulse.db"
	}
	return c.Database.Path
}

// PollInterval returns the idle wait between worker claim attempts
func (c PulseConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// TickerInterval returns the trigger evaluation period
func (c PulseConfig) TickerInterval() time.Duration {
	return time.Duration(c.TickerIntervalSeconds) * time.Second
}

// RunDeadline returns how long a run may stay open before the watchdog finalizes it
func (c PulseConfig) RunDeadline() time.Duration {
	return time.Duration(c.RunDeadlineSeconds) * time.Second
}

// WatchdogInterval returns how often the watchdog scans for stale runs
func (c PulseConfig) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalSeconds) * time.Second
}

// BackoffBase returns the first retry delay
func (c PulseConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry delay cap
func (c PulseConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

// Timeout returns the per-request platform timeout
func (c PlatformConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {Workers: %d, RateLimitPerMinute: %d}, Platform: %s}",
		c.Database.Path, c.Pulse.Workers, c.Pulse.RateLimitPerMinute, c.Platform.BaseURL)
}
