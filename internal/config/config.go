package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker"   validate:"required"`
	Stream   StreamConfig   `mapstructure:"stream"   validate:"required"`
	Client   ClientConfig   `mapstructure:"client"   validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm"      validate:"required"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains the embedded store settings.
type DatabaseConfig struct {
	// Path is the SQLite database file location.
	Path string `mapstructure:"path" validate:"required"`

	// BusyTimeoutMS is the sqlite busy_timeout pragma in milliseconds.
	BusyTimeoutMS int `mapstructure:"busy_timeout_ms" validate:"gte=0"`
}

// WorkerConfig bounds the generation worker's lanes and lease cadence.
type WorkerConfig struct {
	// ImageWorkers caps concurrent image-lane dispatches.
	ImageWorkers int `mapstructure:"image_workers" validate:"required,gte=1"`

	// VideoWorkers caps concurrent video-lane dispatches.
	VideoWorkers int `mapstructure:"video_workers" validate:"required,gte=1"`

	// LeaseTTLSeconds is how long a lease grant lasts before a rival worker
	// may take over. Renewed every heartbeat, so it should comfortably
	// exceed the heartbeat interval.
	LeaseTTLSeconds float64 `mapstructure:"lease_ttl_seconds" validate:"required,gte=1"`

	// HeartbeatSeconds is the lease renewal and leaseless-retry interval.
	HeartbeatSeconds float64 `mapstructure:"heartbeat_seconds" validate:"required,gt=0"`

	// PollIntervalSeconds is the idle claim-poll interval.
	PollIntervalSeconds float64 `mapstructure:"poll_interval_seconds" validate:"required,gt=0"`
}

// LeaseTTL returns the lease TTL as a duration.
func (c WorkerConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds * float64(time.Second))
}

// Heartbeat returns the heartbeat interval as a duration.
func (c WorkerConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds * float64(time.Second))
}

// PollInterval returns the claim-poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// StreamConfig tunes the SSE endpoint.
type StreamConfig struct {
	// HeartbeatSeconds is how long the stream may stay silent before a
	// heartbeat frame is emitted to keep proxies and clients alive.
	HeartbeatSeconds float64 `mapstructure:"heartbeat_seconds" validate:"required,gte=5"`
}

// Heartbeat returns the stream heartbeat interval as a duration.
func (c StreamConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds * float64(time.Second))
}

// ClientConfig bounds the synchronous enqueue-and-wait helper.
type ClientConfig struct {
	// WaitTimeoutSeconds bounds the whole wait. Zero disables the timeout.
	WaitTimeoutSeconds float64 `mapstructure:"wait_timeout_seconds" validate:"gte=0"`

	// OfflineGraceSeconds is how long the worker lease may be absent before
	// the wait fails with a worker-offline error.
	OfflineGraceSeconds float64 `mapstructure:"offline_grace_seconds" validate:"required,gte=1"`
}

// WaitTimeout returns the wait timeout as a duration.
func (c ClientConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds * float64(time.Second))
}

// OfflineGrace returns the offline grace as a duration.
func (c ClientConfig) OfflineGrace() time.Duration {
	return time.Duration(c.OfflineGraceSeconds * float64(time.Second))
}

// LLMConfig contains the generation provider settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`

	// ImageModel is the model used for image-lane tasks.
	ImageModel string `mapstructure:"image_model" validate:"required"`

	// VideoModel is the model used for video-lane tasks.
	VideoModel string `mapstructure:"video_model" validate:"required"`

	// OutputDir is where generated artifacts are written, as a path
	// relative to the project root or absolute.
	OutputDir string `mapstructure:"output_dir" validate:"required"`

	// MaxRetries bounds provider retry attempts for transient failures.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// RetryDelaySeconds is the base delay for exponential backoff.
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds" validate:"gte=1"`
}
