package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/teranos/postpulse/errors"
)

var (
	loadMu        sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records which source supplied each dotted key during the last load
	ConfigSources = map[string]SourceInfo{}

	// configFileUsed is the highest-precedence file merged during the last load
	configFileUsed string
)

// Load reads the postpulse configuration using Viper
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViperLocked()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViperLocked()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of defaults
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Defaults only; environment is not consulted for an explicit file
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &config, nil
}

// Reset clears the cached configuration (used by reload and tests)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
	configFileUsed = ""
}

// ConfigFileUsed returns the highest-precedence config file merged by Load, or "".
func ConfigFileUsed() string {
	loadMu.Lock()
	defer loadMu.Unlock()
	initViperLocked()
	return configFileUsed
}

// initViperLocked initializes Viper with configuration sources and defaults.
// Caller holds loadMu.
func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	// A ./.env file feeds POSTPULSE_* overrides; variables already set win
	_ = godotenv.Load()

	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	// Manually merge configs in precedence order: system -> user -> project -> env vars
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// UserConfigDir returns ~/.postpulse, creating it if needed
func UserConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	dir := filepath.Join(homeDir, ConfigDirName)
	os.MkdirAll(dir, DefaultDirPermissions)
	return dir
}

// findProjectConfig searches for am.toml by walking up the directory tree.
// Returns the path to the first config file found, or empty string if none found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles merges configuration files in precedence order and records
// the source of every key. Precedence (lowest to highest): system < user < project < env vars
func mergeConfigFiles(v *viper.Viper) {
	userDir := UserConfigDir()

	type candidate struct {
		path   string
		source ConfigSource
	}
	candidates := []candidate{
		{"/etc/postpulse/config.toml", SourceSystem},
		{filepath.Join(userDir, "am.toml"), SourceUser},
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		candidates = append(candidates, candidate{projectConfig, SourceProject})
	}

	for _, c := range candidates {
		if _, err := os.Stat(c.path); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(c.path)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		// MergeConfigMap keeps sibling keys from lower files and stays below env overrides
		settings := tempViper.AllSettings()
		if err := v.MergeConfigMap(settings); err != nil {
			continue
		}
		markSettingsFromSource(settings, "", c.source, c.path, ConfigSources)
		configFileUsed = c.path
	}
}

// markSettingsFromSource records source for every leaf key in settings
func markSettingsFromSource(settings map[string]interface{}, prefix string, source ConfigSource, path string, sourceMap map[string]SourceInfo) {
	for key, value := range settings {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			markSettingsFromSource(nested, fullKey, source, path, sourceMap)
			continue
		}
		sourceMap[fullKey] = SourceInfo{Source: source, Path: path}
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return GetViper().GetString(key)
}

// GetInt returns a configuration value as int using dot notation
func GetInt(key string) int {
	return GetViper().GetInt(key)
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.GetDatabasePath(), nil
}
