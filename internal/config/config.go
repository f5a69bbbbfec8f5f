package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Jobs     JobsConfig     `mapstructure:"jobs"     validate:"required"`
	Media    MediaConfig    `mapstructure:"media"`
}

// ServerConfig contains the admin/producer HTTP server settings and
// process-wide logging options.
type ServerConfig struct {
	Port      int    `mapstructure:"port"       validate:"required,gt=0,lt=65536"`
	LogLevel  string `mapstructure:"log_level"  validate:"required,oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"omitempty,oneof=json text"`
}

// DatabaseConfig contains the job store connection settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// RedisConfig configures the optional completion-event publisher. When
// Addr is empty the publisher is disabled and completion events only
// reach in-process handlers.
type RedisConfig struct {
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	CompletionChannel string `mapstructure:"completion_channel"`
}

// JobsConfig contains the queue engine tuning parameters.
type JobsConfig struct {
	// LeaseDuration is how long a worker owns a job before the sweep may
	// reclaim it.
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"required,gt=0"`

	// SweepInterval is how often expired leases are scanned for.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0"`

	// DrainTimeout bounds how long in-flight handlers may run during
	// graceful shutdown before being force-released.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"required,gt=0"`

	// DefaultMaxAttempts applies to jobs enqueued without an explicit
	// per-job ceiling.
	DefaultMaxAttempts int `mapstructure:"default_max_attempts" validate:"required,gt=0"`

	Retry  RetryConfig   `mapstructure:"retry"  validate:"required"`
	Queues []QueueConfig `mapstructure:"queues" validate:"required,min=1,dive"`
}

// RetryConfig holds the backoff policy constants.
type RetryConfig struct {
	// BaseDelay is the delay after the first failed attempt; subsequent
	// attempts double it.
	BaseDelay time.Duration `mapstructure:"base_delay" validate:"required,gt=0"`

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration `mapstructure:"max_delay" validate:"required,gtefield=BaseDelay"`
}

// QueueConfig sizes one logical queue. Worker counts are configured per
// queue to reflect resource class: a CPU-bound transcoding queue is sized
// to available cores while an I/O-bound notification queue runs much wider.
type QueueConfig struct {
	Name string `mapstructure:"name" validate:"required"`

	// Workers is the number of concurrent execution slots for this queue.
	Workers int `mapstructure:"workers" validate:"required,gt=0"`

	// PollInterval is how long an idle slot waits before asking the store
	// for work again.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0"`

	// HandlerTimeout bounds a single handler execution.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" validate:"required,gt=0"`
}

// MediaConfig configures the media processing handler.
type MediaConfig struct {
	// TranscoderPath is the external transcoding binary (e.g. ffmpeg).
	TranscoderPath string `mapstructure:"transcoder_path"`

	// OutputDir is where rendition files are written.
	OutputDir string `mapstructure:"output_dir"`

	// MinViableRenditions is the minimum number of renditions that must
	// succeed for the job to complete with a degraded result instead of
	// retrying.
	MinViableRenditions int `mapstructure:"min_viable_renditions" validate:"omitempty,gt=0"`

	// RenditionTimeout bounds each transcoder subprocess.
	RenditionTimeout time.Duration `mapstructure:"rendition_timeout" validate:"omitempty,gt=0"`

	Renditions []RenditionSpec `mapstructure:"renditions" validate:"omitempty,dive"`
}

// RenditionSpec describes one processed output variant of a source asset.
type RenditionSpec struct {
	// Name identifies the rendition in results (e.g. "720p", "thumb").
	Name string `mapstructure:"name" validate:"required"`

	// Args are the transcoder arguments for this rendition, excluding the
	// input and output paths which the handler supplies.
	Args []string `mapstructure:"args"`
}

// Queue returns the configuration for the named queue, or false if the
// queue is not configured.
func (c JobsConfig) Queue(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}
