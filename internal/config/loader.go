package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".codefang"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for codefang settings.
const envPrefix = "CODEFANG"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Default values applied before any file or environment override.
const (
	DefaultQueueCeilingBytes = 64 * 1024 * 1024
	DefaultGracefulDeadline  = "30s"
	DefaultHardDeadline      = "0s" // 0 means unbounded
	DefaultGlobalRate        = 200.0
	DefaultCheckoutMaxFile   = 8 * 1024 * 1024
	DefaultLogFormat         = "text"
	DefaultLogFileLevel      = "info"
)

// LoadConfig loads configuration from file, env vars, and defaults, in
// order: explicit CLI flag path, then environment override, then user
// config dir / home / project-local, then built-in defaults. A missing
// config file is not an error.
//
// If section is non-empty, it names a top-level table in the config
// document (e.g. a per-environment profile) whose keys are merged over the
// root document before env vars are applied, so `--config-section staging`
// lets one file carry several named overlays.
func LoadConfig(configPath, section string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)

		if userCfgDir, err := os.UserConfigDir(); err == nil {
			viperCfg.AddConfigPath(userCfgDir)
		}

		if home, err := os.UserHomeDir(); err == nil {
			viperCfg.AddConfigPath(home)
		}

		viperCfg.AddConfigPath(".")
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	if section != "" {
		overlay := viperCfg.Sub(section)
		if overlay != nil {
			if mergeErr := viperCfg.MergeConfigMap(overlay.AllSettings()); mergeErr != nil {
				return nil, fmt.Errorf("merge config section %q: %w", section, mergeErr)
			}
		}
	}

	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("plugins", []string{})

	viperCfg.SetDefault("pipeline.queue_ceiling_bytes", DefaultQueueCeilingBytes)
	viperCfg.SetDefault("pipeline.graceful_deadline", DefaultGracefulDeadline)
	viperCfg.SetDefault("pipeline.hard_deadline", DefaultHardDeadline)
	viperCfg.SetDefault("pipeline.plugin_search_paths", []string{})

	viperCfg.SetDefault("notify.global_rate_per_second", DefaultGlobalRate)

	viperCfg.SetDefault("checkout.root", "")
	viperCfg.SetDefault("checkout.max_file_size", DefaultCheckoutMaxFile)

	viperCfg.SetDefault("log.format", DefaultLogFormat)
	viperCfg.SetDefault("log.file_path", "")
	viperCfg.SetDefault("log.file_level", DefaultLogFileLevel)
}
