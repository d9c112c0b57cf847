package constants

// Default polling configuration values
const (
	DefaultSyncPollIntervalSec      = 5
	DefaultSyncCycleTimeoutSec      = 30
	DefaultSignalingPollIntervalMs  = 1500
	DefaultRetryInitialBackoffMs    = 1000
	DefaultRetryMaxBackoffMs        = 60000
	DefaultRetryMaxAttempts         = 5
	DefaultConnectivityProbeSec     = 10
	DefaultConnectivityProbeTimeout = 3
)

// Default timeout values
const (
	DefaultCloudTimeoutSec       = 15
	DefaultDatabaseRetryAttempts = 3
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultAIRequestTimeoutSec   = 20
)

// Default server configuration
const (
	DefaultServerPort = 8089
)

// Identifier formats
const (
	RoomCodePrefix       = "TM-"
	RoomCodeSuffixLength = 6
	ConsultCodePrefixMax = 4
	ConsultCodeSuffixLen = 5
	ConsultRoomKeyPrefix = "consult_room_"
	CodeAlphabet         = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Default AI symptom service configuration
const (
	DefaultAIModel           = "gpt-4o-mini"
	DefaultAIMaxOutputTokens = 220
)
