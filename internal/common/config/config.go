// Package config provides process-ambient configuration for Kingdom.
// It supports loading configuration from environment variables, an optional
// config file, and defaults.
//
// Ambient settings tune observability and scheduling (log level, poll
// interval, parallelism cap); they never change orchestrator semantics.
// The project-level agent/council configuration lives in config.json and is
// loaded by the internal/config package with strict validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all ambient configuration sections for Kingdom.
type Config struct {
	State   StateConfig   `mapstructure:"state"`
	Logging LoggingConfig `mapstructure:"logging"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Council CouncilConfig `mapstructure:"council"`
}

// StateConfig holds the on-disk state layout configuration.
type StateConfig struct {
	// Dir is the project-local state directory holding config.json,
	// branches/<branch>/threads and branches/<branch>/sessions.
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WatchConfig holds watch-loop tuning.
type WatchConfig struct {
	// PollIntervalMs is the watch loop polling interval. Capped at 500ms;
	// fsnotify wakeups may fire sooner.
	PollIntervalMs int `mapstructure:"pollIntervalMs"`

	// StalledDetection promotes members with a stream file that has stopped
	// growing to a derived stalled state so retry can pick them up.
	StalledDetection bool `mapstructure:"stalledDetection"`
}

// CouncilConfig holds ambient council scheduling configuration.
type CouncilConfig struct {
	// MaxParallel caps concurrent member runs per orchestration launch.
	// Zero means one run per member (no cap).
	MaxParallel int `mapstructure:"maxParallel"`
}

// PollInterval returns the watch poll interval as a time.Duration,
// clamped to the 500ms ceiling the watch loop guarantees.
func (w *WatchConfig) PollInterval() time.Duration {
	ms := w.PollIntervalMs
	if ms <= 0 || ms > 500 {
		ms = 250
	}
	return time.Duration(ms) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("KINGDOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	if os.Getenv("CI") != "" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("state.dir", ".kingdom")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("watch.pollIntervalMs", 250)
	v.SetDefault("watch.stalledDetection", false)

	v.SetDefault("council.maxParallel", 0)
}

// Load reads ambient configuration from environment variables, an optional
// config file, and defaults. Environment variables use the prefix KINGDOM_
// with underscore-separated naming (e.g. KINGDOM_LOGGING_LEVEL).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads ambient configuration from the specified directory or
// default locations. The file, when present, is named kingdom.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KINGDOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("kingdom")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all ambient configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.State.Dir == "" {
		errs = append(errs, "state.dir must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Watch.PollIntervalMs < 0 {
		errs = append(errs, "watch.pollIntervalMs must not be negative")
	}
	if cfg.Council.MaxParallel < 0 {
		errs = append(errs, "council.maxParallel must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
