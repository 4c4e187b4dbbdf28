package am

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "path", back3, "error", err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// GetUserConfigPath returns ~/.postpulse/am.toml
func GetUserConfigPath() string {
	return filepath.Join(UserConfigDir(), "am.toml")
}

func loadTOMLMap(configPath string) (map[string]interface{}, error) {
	config := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return config, nil
}

func saveTOMLMap(config map[string]interface{}, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}
	return nil
}

// SetValue persists a dotted key (e.g. "pulse.rate_limit_per_minute") to the
// user config file. raw is coerced to bool, int or float when it parses as one.
func SetValue(key, raw string) error {
	return SetValueInFile(GetUserConfigPath(), key, raw)
}

// SetValueInFile is SetValue against an explicit file.
func SetValueInFile(configPath, key, raw string) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return errors.Newf("invalid config key %q", key)
		}
	}

	config, err := loadTOMLMap(configPath)
	if err != nil {
		return err
	}

	section := config
	for _, p := range parts[:len(parts)-1] {
		next, ok := section[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			section[p] = next
		}
		section = next
	}
	section[parts[len(parts)-1]] = coerce(raw)

	if err := saveTOMLMap(config, configPath); err != nil {
		return errors.Wrapf(err, "failed to persist %s", key)
	}
	return nil
}

func coerce(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
