// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/bitpress/mediaprep/internal/geometry"
)

// Static errors for configuration validation.
var (
	// ErrInvalidAspectRatio is returned when ASPECT_RATIO cannot be parsed.
	ErrInvalidAspectRatio = errors.New("config: invalid ASPECT_RATIO")
	// ErrInvalidMaxWidth is returned when MAX_WIDTH is not positive.
	ErrInvalidMaxWidth = errors.New("config: MAX_WIDTH must be positive")
	// ErrInvalidQuality is returned when JPEG_QUALITY is outside (0, 1].
	ErrInvalidQuality = errors.New("config: JPEG_QUALITY must be in (0, 1]")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Scratch workspace settings
	ScratchDir string `env:"SCRATCH_DIR, default=/tmp/mediaprep" json:"scratch_dir"`

	// Video output settings
	MaxWidth     int     `env:"MAX_WIDTH, default=1080" json:"max_width"`
	AspectRatio  string  `env:"ASPECT_RATIO, default=9:16" json:"aspect_ratio"`
	MaxBitrate   int     `env:"MAX_BITRATE, default=4000000" json:"max_bitrate"`
	MaxFrameRate float64 `env:"MAX_FRAME_RATE, default=30" json:"max_frame_rate"`
	KeepAudio    bool    `env:"KEEP_AUDIO, default=true" json:"keep_audio"`

	// Still output settings
	JPEGQuality float64 `env:"JPEG_QUALITY, default=0.7" json:"jpeg_quality"`

	// Queue settings
	QueueSize   int           `env:"QUEUE_SIZE, default=64" json:"queue_size"`
	TaskTimeout time.Duration `env:"TASK_TIMEOUT" json:"task_timeout"` // zero means unbounded
	CallbackURL string        `env:"CALLBACK_URL" json:"callback_url,omitempty"`

	// History settings
	HistoryDir string `env:"HISTORY_DIR" json:"history_dir,omitempty"` // empty disables the journal

	// ffmpeg settings
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// HistoryEnabled returns true if the result journal is configured.
func (c *Config) HistoryEnabled() bool {
	return c.HistoryDir != ""
}

// Ratio parses the configured output aspect ratio.
func (c *Config) Ratio() (geometry.AspectRatio, error) {
	ratio, err := geometry.ParseAspectRatio(c.AspectRatio)
	if err != nil {
		return geometry.AspectRatio{}, fmt.Errorf("%w: %v", ErrInvalidAspectRatio, err)
	}
	return ratio, nil
}

// Load reads configuration from environment variables using go-envconfig
// and validates the derived settings.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configured values are usable.
func (c *Config) Validate() error {
	if c.MaxWidth <= 0 {
		return ErrInvalidMaxWidth
	}
	if _, err := c.Ratio(); err != nil {
		return err
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 1 {
		return ErrInvalidQuality
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, ScratchDir: %s, MaxWidth: %d, AspectRatio: %s, MaxBitrate: %d, MaxFrameRate: %.0f, KeepAudio: %t, JPEGQuality: %.2f, QueueSize: %d, TaskTimeout: %s, HistoryDir: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.ScratchDir,
		c.MaxWidth,
		c.AspectRatio,
		c.MaxBitrate,
		c.MaxFrameRate,
		c.KeepAudio,
		c.JPEGQuality,
		c.QueueSize,
		c.TaskTimeout,
		c.HistoryDir,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
