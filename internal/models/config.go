package models

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

type Config struct {
	LogLevel  string          `json:"logLevel"`
	Database  DatabaseConfig  `json:"database"`
	Cloud     CloudConfig     `json:"cloud"`
	Sync      SyncConfig      `json:"sync"`
	Signaling SignalingConfig `json:"signaling"`
	Retry     RetryConfig     `json:"retry"`
	AI        AIConfig        `json:"ai"`
	Server    ServerConfig    `json:"server"`
	Tracing   TracingConfig   `json:"tracing"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

// CloudConfig points at the authoritative remote store. APIKey is only ever
// taken from the environment, never from the config file.
type CloudConfig struct {
	BaseURL    string `json:"baseUrl"`
	APIKey     string `json:"-"`
	TimeoutSec int    `json:"timeoutSec"`
}

func (c CloudConfig) Enabled() bool {
	return c.BaseURL != ""
}

type SyncConfig struct {
	PollIntervalSec int `json:"pollIntervalSec"`
	CycleTimeoutSec int `json:"cycleTimeoutSec"`
}

// SignalingConfig controls the consultation signaling channel. Mode is
// "cloud" (shared KV over the remote store) or "local" (in-process channel
// for single-machine demos and tests).
type SignalingConfig struct {
	Mode           string   `json:"mode"`
	PollIntervalMs int      `json:"pollIntervalMs"`
	STUNServers    []string `json:"stunServers"`
}

type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

type AIConfig struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model"`
	APIKey  string `json:"-"`
}

type ServerConfig struct {
	Port int `json:"port"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"serviceName"`
	Environment  string  `json:"environment"`
	OTLPEndpoint string  `json:"otlpEndpoint"`
	SampleRate   float64 `json:"sampleRate"`
	UseStdout    bool    `json:"useStdout"`
}
