// Package config loads the hierarchical configuration document via
// github.com/spf13/viper, matching the precedence order (CLI flag > env >
// user config dir > home > project-local > defaults).
package config

import "errors"

// Config is the top-level configuration struct for codefang.
type Config struct {
	Plugins  []string       `mapstructure:"plugins" yaml:"plugins"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	Checkout CheckoutConfig `mapstructure:"checkout" yaml:"checkout"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Plugin   map[string]any `mapstructure:"plugin" yaml:"plugin"` // per-plugin section, keyed by plugin id
}

// PipelineConfig holds queue, backoff, and shutdown-deadline knobs for the
// Pipeline Engine.
type PipelineConfig struct {
	QueueCeilingBytes int64    `mapstructure:"queue_ceiling_bytes" yaml:"queue_ceiling_bytes"`
	GracefulDeadline  string   `mapstructure:"graceful_deadline" yaml:"graceful_deadline"`
	HardDeadline      string   `mapstructure:"hard_deadline" yaml:"hard_deadline"`
	PluginSearchPaths []string `mapstructure:"plugin_search_paths" yaml:"plugin_search_paths"`
}

// NotifyConfig holds Notification Bus knobs.
type NotifyConfig struct {
	GlobalRatePerSecond float64 `mapstructure:"global_rate_per_second" yaml:"global_rate_per_second"`
}

// CheckoutConfig holds Checkout Manager knobs.
type CheckoutConfig struct {
	Root        string `mapstructure:"root" yaml:"root"`
	MaxFileSize int64  `mapstructure:"max_file_size" yaml:"max_file_size"`
}

// LogConfig holds structured-logging knobs.
type LogConfig struct {
	Format    string `mapstructure:"format" yaml:"format"`
	FilePath  string `mapstructure:"file_path" yaml:"file_path"`
	FileLevel string `mapstructure:"file_level" yaml:"file_level"`
}

// Sentinel errors for configuration validation.
var (
	// ErrInvalidQueueCeiling indicates the queue ceiling is not positive.
	ErrInvalidQueueCeiling = errors.New("pipeline.queue_ceiling_bytes must be positive")
	// ErrInvalidMaxFileSize indicates a negative max file size.
	ErrInvalidMaxFileSize = errors.New("checkout.max_file_size must be non-negative")
	// ErrInvalidRate indicates a negative global notification rate.
	ErrInvalidRate = errors.New("notify.global_rate_per_second must be non-negative")
	// ErrInvalidLogFormat indicates an unrecognised log format.
	ErrInvalidLogFormat = errors.New("log.format must be \"text\" or \"json\"")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if c.Pipeline.QueueCeilingBytes <= 0 {
		return ErrInvalidQueueCeiling
	}

	if c.Checkout.MaxFileSize < 0 {
		return ErrInvalidMaxFileSize
	}

	if c.Notify.GlobalRatePerSecond < 0 {
		return ErrInvalidRate
	}

	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		return ErrInvalidLogFormat
	}

	return nil
}
