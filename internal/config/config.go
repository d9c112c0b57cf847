package config

import (
	"encoding/json"
	"os"

	"telemedsync/internal/constants"
	"telemedsync/internal/models"
)

var (
	ErrMissingDBPath     = models.ConfigError{Message: "missing database path"}
	ErrInvalidSignaling  = models.ConfigError{Message: "signaling mode must be \"cloud\" or \"local\""}
	ErrCloudModeNeedsURL = models.ConfigError{Message: "cloud signaling requires a cloud base URL"}
)

func LoadConfig(path string) (*models.Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	switch c.Signaling.Mode {
	case "":
		c.Signaling.Mode = "local"
		if c.Cloud.Enabled() {
			c.Signaling.Mode = "cloud"
		}
	case "cloud":
		if !c.Cloud.Enabled() {
			return ErrCloudModeNeedsURL
		}
	case "local":
	default:
		return ErrInvalidSignaling
	}

	if c.Sync.PollIntervalSec <= 0 {
		c.Sync.PollIntervalSec = constants.DefaultSyncPollIntervalSec
	}
	if c.Sync.CycleTimeoutSec <= 0 {
		c.Sync.CycleTimeoutSec = constants.DefaultSyncCycleTimeoutSec
	}
	if c.Signaling.PollIntervalMs <= 0 {
		c.Signaling.PollIntervalMs = constants.DefaultSignalingPollIntervalMs
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryInitialBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultRetryMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultRetryMaxAttempts
	}
	if c.Cloud.TimeoutSec <= 0 {
		c.Cloud.TimeoutSec = constants.DefaultCloudTimeoutSec
	}
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.AI.Model == "" {
		c.AI.Model = constants.DefaultAIModel
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "telemedsync"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 1.0
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("TELEMED_CLOUD_URL"); url != "" {
		c.Cloud.BaseURL = url
	}
	// Secrets come from the environment only.
	if key := os.Getenv("TELEMED_CLOUD_API_KEY"); key != "" {
		c.Cloud.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.AI.APIKey = key
	}
	if path := os.Getenv("TELEMED_DB_PATH"); path != "" {
		c.Database.Path = path
	}
}
