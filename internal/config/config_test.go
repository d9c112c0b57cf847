package config

import (
	"os"
	"path/filepath"
	"testing"

	"telemedsync/internal/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, key := range []string{"TELEMED_CLOUD_URL", "TELEMED_CLOUD_API_KEY", "OPENAI_API_KEY", "TELEMED_DB_PATH"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `{"database": {"path": "/tmp/telemed.db"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Signaling.Mode, "no cloud URL means local signaling")
	assert.Equal(t, constants.DefaultSyncPollIntervalSec, cfg.Sync.PollIntervalSec)
	assert.Equal(t, constants.DefaultSignalingPollIntervalMs, cfg.Signaling.PollIntervalMs)
	assert.Equal(t, constants.DefaultRetryMaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, constants.DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, constants.DefaultAIModel, cfg.AI.Model)
	assert.Equal(t, "telemedsync", cfg.Tracing.ServiceName)
}

func TestLoadConfigCloudEnablesCloudSignaling(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `{
		"database": {"path": "/tmp/telemed.db"},
		"cloud": {"baseUrl": "https://backend.example.com"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Cloud.Enabled())
	assert.Equal(t, "cloud", cfg.Signaling.Mode)
}

func TestLoadConfigExplicitValuesKept(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `{
		"logLevel": "debug",
		"database": {"path": "/tmp/telemed.db"},
		"sync": {"pollIntervalSec": 7, "cycleTimeoutSec": 20},
		"signaling": {"mode": "local", "pollIntervalMs": 250},
		"server": {"port": 9999}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7, cfg.Sync.PollIntervalSec)
	assert.Equal(t, 20, cfg.Sync.CycleTimeoutSec)
	assert.Equal(t, 250, cfg.Signaling.PollIntervalMs)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadConfigMissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `{}`)

	_, err := LoadConfig(path)
	require.ErrorIs(t, err, ErrMissingDBPath)
}

func TestLoadConfigCloudModeWithoutURL(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"path": "/tmp/telemed.db"},
		"signaling": {"mode": "cloud"}
	}`)

	_, err := LoadConfig(path)
	require.ErrorIs(t, err, ErrCloudModeNeedsURL)
}

func TestLoadConfigInvalidSignalingMode(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"path": "/tmp/telemed.db"},
		"signaling": {"mode": "carrier-pigeon"}
	}`)

	_, err := LoadConfig(path)
	require.ErrorIs(t, err, ErrInvalidSignaling)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TELEMED_CLOUD_URL", "https://env.example.com")
	t.Setenv("TELEMED_CLOUD_API_KEY", "env-cloud-key")
	t.Setenv("OPENAI_API_KEY", "env-openai-key")
	t.Setenv("TELEMED_DB_PATH", "/tmp/env-telemed.db")

	path := writeConfig(t, `{"database": {"path": "/tmp/file.db"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Cloud.BaseURL)
	assert.Equal(t, "env-cloud-key", cfg.Cloud.APIKey)
	assert.Equal(t, "env-openai-key", cfg.AI.APIKey)
	assert.Equal(t, "/tmp/env-telemed.db", cfg.Database.Path)
}

func TestSecretsNeverReadFromFile(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `{
		"database": {"path": "/tmp/telemed.db"},
		"cloud": {"baseUrl": "https://backend.example.com", "apiKey": "leaked"},
		"ai": {"apiKey": "leaked"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Empty(t, cfg.Cloud.APIKey)
	assert.Empty(t, cfg.AI.APIKey)
}
