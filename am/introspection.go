package am

import (
	"os"
	"sort"
	"strings"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/postpulse/config.toml
	SourceUser        ConfigSource = "user"        // ~/.postpulse/am.toml
	SourceProject     ConfigSource = "project"     // am.toml found walking up from cwd
	SourceEnvironment ConfigSource = "environment" // POSTPULSE_* env vars
)

// redactedKeys are never printed with their value
var redactedKeys = map[string]bool{
	"platform.token": true,
}

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key" yaml:"key"`
	Value      interface{}  `json:"value" yaml:"value"`
	Source     ConfigSource `json:"source" yaml:"source"`
	SourcePath string       `json:"source_path,omitempty" yaml:"source_path,omitempty"`
}

// ConfigIntrospection provides metadata about the active configuration
type ConfigIntrospection struct {
	ConfigFile string        `json:"config_file" yaml:"config_file"`
	Settings   []SettingInfo `json:"settings" yaml:"settings"`
}

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string // File path or environment variable name
}

// GetConfigIntrospection returns every effective setting with its source
func GetConfigIntrospection() *ConfigIntrospection {
	v := GetViper()

	loadMu.Lock()
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, s := range ConfigSources {
		sources[k] = s
	}
	file := configFileUsed
	loadMu.Unlock()

	introspection := &ConfigIntrospection{
		ConfigFile: file,
		Settings:   make([]SettingInfo, 0),
	}
	flattenSettingsWithSources(v.AllSettings(), "", introspection, sources)
	return introspection
}

// flattenSettingsWithSources flattens settings and assigns sources from sourceMap
func flattenSettingsWithSources(settings map[string]interface{}, prefix string, introspection *ConfigIntrospection, sourceMap map[string]SourceInfo) {
	// Sort keys for deterministic iteration
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := settings[key]
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nestedMap, ok := value.(map[string]interface{}); ok {
			flattenSettingsWithSources(nestedMap, fullKey, introspection, sourceMap)
			continue
		}

		sourceInfo := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sourceMap[fullKey]; ok {
			sourceInfo = si
		}

		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(fullKey, ".", "_"))
		if envValue := os.Getenv(envKey); envValue != "" {
			sourceInfo = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}

		if redactedKeys[fullKey] && value != "" {
			value = "********"
		}

		introspection.Settings = append(introspection.Settings, SettingInfo{
			Key:        fullKey,
			Value:      value,
			Source:     sourceInfo.Source,
			SourcePath: sourceInfo.Path,
		})
	}
}

// RedactedSettings returns AllSettings with secrets masked, for rendering
func RedactedSettings() map[string]interface{} {
	all := GetViper().AllSettings()
	for key := range redactedKeys {
		parts := strings.Split(key, ".")
		section, ok := all[parts[0]].(map[string]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		if s, _ := section[parts[1]].(string); s != "" {
			section[parts[1]] = "********"
		}
	}
	return all
}
