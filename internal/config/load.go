package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional config file and environment
// variables. Environment variables use the QUILL_ prefix with underscores
// for nesting (e.g. QUILL_DATABASE_URL, QUILL_SERVER_LOG_LEVEL) and take
// precedence over file values. Returns a populated Config or an error if
// loading or validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/quill-jobs")

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars may carry everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults installs defaults for everything that has a sensible one.
// Queue definitions and the database URL have no default: deployments
// must state them explicitly.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")

	v.SetDefault("jobs.lease_duration", time.Minute)
	v.SetDefault("jobs.sweep_interval", 30*time.Second)
	v.SetDefault("jobs.drain_timeout", 30*time.Second)
	v.SetDefault("jobs.default_max_attempts", 5)
	v.SetDefault("jobs.retry.base_delay", 5*time.Second)
	v.SetDefault("jobs.retry.max_delay", 10*time.Minute)

	v.SetDefault("redis.completion_channel", "quill:jobs:completed")

	v.SetDefault("media.transcoder_path", "ffmpeg")
	v.SetDefault("media.min_viable_renditions", 1)
	v.SetDefault("media.rendition_timeout", 5*time.Minute)
}
