package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetValueInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")

	require.NoError(t, SetValueInFile(path, "pulse.rate_limit_per_minute", "45"))
	require.NoError(t, SetValueInFile(path, "pulse.default_timezone", "Europe/Berlin"))
	require.NoError(t, SetValueInFile(path, "log.json", "true"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, toml.Unmarshal(data, &got))

	pulse := got["pulse"].(map[string]interface{})
	assert.EqualValues(t, 45, pulse["rate_limit_per_minute"])
	assert.Equal(t, "Europe/Berlin", pulse["default_timezone"])
	assert.Equal(t, true, got["log"].(map[string]interface{})["json"])

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Pulse.RateLimitPerMinute)
	assert.Equal(t, 4, cfg.Pulse.Workers, "untouched keys keep defaults")
}

func TestSetValueRotatesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")

	for _, v := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, SetValueInFile(path, "pulse.workers", v))
	}

	for _, suffix := range []string{".back1", ".back2", ".back3"} {
		_, err := os.Stat(path + suffix)
		assert.NoError(t, err, "expected %s", suffix)
	}
	_, err := os.Stat(path + ".back4")
	assert.True(t, os.IsNotExist(err))

	back1, err := os.ReadFile(path + ".back1")
	require.NoError(t, err)
	assert.Contains(t, string(back1), "workers = 4")
}

func TestSetValueRejectsBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	assert.Error(t, SetValueInFile(path, "pulse..workers", "1"))
	assert.Error(t, SetValueInFile(path, "", "1"))
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, true, coerce("true"))
	assert.Equal(t, int64(7), coerce("7"))
	assert.Equal(t, 2.5, coerce("2.5"))
	assert.Equal(t, "UTC", coerce("UTC"))
}
