package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over file values and
// use the STORYLOOM_ prefix with underscores for nesting, e.g.
// STORYLOOM_SERVER_PORT or STORYLOOM_WORKER_IMAGE_WORKERS.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("storyloom")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; the defaults plus environment
		// variables are a complete configuration source.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("STORYLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers defaults mirroring the queue's documented cadence:
// 10s lease TTL renewed every 3s, 1s claim poll, 15s stream heartbeat.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.path", "projects/.task_queue.db")
	v.SetDefault("database.busy_timeout_ms", 30000)

	v.SetDefault("worker.image_workers", 3)
	v.SetDefault("worker.video_workers", 2)
	v.SetDefault("worker.lease_ttl_seconds", 10.0)
	v.SetDefault("worker.heartbeat_seconds", 3.0)
	v.SetDefault("worker.poll_interval_seconds", 1.0)

	v.SetDefault("stream.heartbeat_seconds", 15.0)

	v.SetDefault("client.wait_timeout_seconds", 3600.0)
	v.SetDefault("client.offline_grace_seconds", 20.0)

	// Empty default so AutomaticEnv can bind the key; validation rejects a
	// configuration where it stays empty.
	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.image_model", "gemini-3-pro-image-preview")
	v.SetDefault("llm.video_model", "veo-3.1-generate-preview")
	v.SetDefault("llm.output_dir", "projects")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay_seconds", 2)
}
