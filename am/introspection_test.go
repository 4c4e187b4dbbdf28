package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkSettingsFromSource(t *testing.T) {
	t.Run("Flat settings", func(t *testing.T) {
		settings := map[string]interface{}{
			"workers":         4,
			"max_attempts":    3,
			"backoff_base_ms": 2000,
		}

		sourceMap := make(map[string]SourceInfo)
		markSettingsFromSource(settings, "", SourceUser, "/home/user/.postpulse/am.toml", sourceMap)

		assert.Len(t, sourceMap, 3)
		assert.Equal(t, SourceUser, sourceMap["workers"].Source)
		assert.Equal(t, "/home/user/.postpulse/am.toml", sourceMap["workers"].Path)
	})

	t.Run("Nested settings", func(t *testing.T) {
		settings := map[string]interface{}{
			"pulse": map[string]interface{}{
				"workers":      4,
				"max_attempts": 3,
			},
			"database": map[string]interface{}{
				"path": "postpulse.db",
			},
		}

		sourceMap := make(map[string]SourceInfo)
		markSettingsFromSource(settings, "", SourceProject, "/test/am.toml", sourceMap)

		assert.Equal(t, SourceProject, sourceMap["pulse.workers"].Source)
		assert.Equal(t, SourceProject, sourceMap["pulse.max_attempts"].Source)
		assert.Equal(t, SourceProject, sourceMap["database.path"].Source)
		assert.Equal(t, "/test/am.toml", sourceMap["pulse.workers"].Path)
		assert.NotContains(t, sourceMap, "pulse")
	})
}

func TestFlattenSettingsWithSources(t *testing.T) {
	settings := map[string]interface{}{
		"pulse": map[string]interface{}{
			"workers": 2,
		},
		"platform": map[string]interface{}{
			"token":    "secret",
			"base_url": "https://board.example",
		},
	}
	sources := map[string]SourceInfo{
		"pulse.workers": {Source: SourceUser, Path: "/u/am.toml"},
	}

	t.Setenv("POSTPULSE_PLATFORM_BASE_URL", "https://env.example")

	intro := &ConfigIntrospection{}
	flattenSettingsWithSources(settings, "", intro, sources)

	require.Len(t, intro.Settings, 3)
	// Sorted: platform.base_url, platform.token, pulse.workers
	assert.Equal(t, "platform.base_url", intro.Settings[0].Key)
	assert.Equal(t, SourceEnvironment, intro.Settings[0].Source)
	assert.Equal(t, "POSTPULSE_PLATFORM_BASE_URL", intro.Settings[0].SourcePath)

	assert.Equal(t, "platform.token", intro.Settings[1].Key)
	assert.Equal(t, "********", intro.Settings[1].Value)
	assert.Equal(t, SourceDefault, intro.Settings[1].Source)

	assert.Equal(t, "pulse.workers", intro.Settings[2].Key)
	assert.Equal(t, SourceUser, intro.Settings[2].Source)
}

func TestGetConfigIntrospection(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())
	Reset()
	t.Cleanup(Reset)

	userDir := filepath.Join(home, ConfigDirName)
	require.NoError(t, os.MkdirAll(userDir, DefaultDirPermissions))
	userFile := filepath.Join(userDir, "am.toml")
	require.NoError(t, os.WriteFile(userFile, []byte("[platform]\ntoken = \"abc\"\n[pulse]\nworkers = 6\n"), DefaultFilePermissions))

	intro := GetConfigIntrospection()
	assert.Equal(t, userFile, intro.ConfigFile)

	byKey := map[string]SettingInfo{}
	for _, s := range intro.Settings {
		byKey[s.Key] = s
	}
	assert.Equal(t, SourceUser, byKey["pulse.workers"].Source)
	assert.Equal(t, SourceDefault, byKey["pulse.max_attempts"].Source)
	assert.Equal(t, "********", byKey["platform.token"].Value)

	redacted := RedactedSettings()
	platform := redacted["platform"].(map[string]interface{})
	assert.Equal(t, "********", platform["token"])
}
