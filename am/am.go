package am

// Config represents the postpulse configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Platform PlatformConfig `mapstructure:"platform"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PulseConfig configures the schedule execution engine
type PulseConfig struct {
	// Worker concurrency configuration
	Workers        int `mapstructure:"workers"`          // Concurrent job workers (0 = dispatch only)
	PollIntervalMS int `mapstructure:"poll_interval_ms"` // Idle wait between claim attempts

	// Ticker configuration for trigger evaluation
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"` // 0 = clock disabled

	// Process-wide limit on external platform calls, independent of worker count
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"` // 0 = unlimited
	RateLimitBurst     int `mapstructure:"rate_limit_burst"`

	// Retry policy
	MaxAttempts   int `mapstructure:"max_attempts"`
	BackoffBaseMS int `mapstructure:"backoff_base_ms"`
	BackoffMaxMS  int `mapstructure:"backoff_max_ms"`

	// Watchdog
	RunDeadlineSeconds      int `mapstructure:"run_deadline_seconds"`
	WatchdogIntervalSeconds int `mapstructure:"watchdog_interval_seconds"` // 0 = watchdog disabled

	// Timezone for schedules that do not set one ("local" = host timezone)
	DefaultTimezone string `mapstructure:"default_timezone"`
}

// PlatformConfig configures the external community platform API
type PlatformConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`

	// Refuse to connect to loopback, private and link-local addresses,
	// including after redirects and DNS resolution
	BlockPrivateNetwork bool `mapstructure:"block_private_network"`
}

// LogConfig configures logging output
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	JSON  bool   `mapstructure:"json"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// ConfigDirName is the per-user configuration directory under $HOME
const ConfigDirName = ".postpulse"

// EnvPrefix prefixes every environment override (POSTPULSE_PULSE_WORKERS...)
const EnvPrefix = "POSTPULSE"
