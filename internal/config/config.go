// Package config loads and validates the daemon configuration from YAML
// with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/verityops/verity/pkg/duration"
)

// Config is the complete daemon configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Cycle       CycleConfig       `yaml:"cycle"`
	Collect     CollectConfig     `yaml:"collect"`
	Capacity    CapacityConfig    `yaml:"capacity"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host            string            `yaml:"host"`
	Port            int               `yaml:"port"`
	ReadTimeout     duration.Duration `yaml:"read_timeout"`
	WriteTimeout    duration.Duration `yaml:"write_timeout"`
	ShutdownTimeout duration.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Type is "badger" or "memory".
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// CycleConfig tunes the orchestrator and runner.
type CycleConfig struct {
	Interval         duration.Duration `yaml:"interval"`
	StageTimeout     duration.Duration `yaml:"stage_timeout"`
	RetryDelay       duration.Duration `yaml:"retry_delay"`
	FailureThreshold int               `yaml:"failure_threshold"`
	SuccessThreshold int               `yaml:"success_threshold"`
}

// SourceConfig is one collect source.
type SourceConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// CollectConfig configures the collect stage.
type CollectConfig struct {
	Sources []SourceConfig    `yaml:"sources"`
	Timeout duration.Duration `yaml:"timeout"`
}

// CapacityConfig configures the capacity-truth rollup.
type CapacityConfig struct {
	WeeklyBudgetMinutes int `yaml:"weekly_budget_minutes"`
}

// MaintenanceConfig configures the maintenance stage.
type MaintenanceConfig struct {
	Schedule  string            `yaml:"schedule"`
	Retention duration.Duration `yaml:"retention"`
}

// WebhookConfig is one notification webhook.
type WebhookConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	Webhooks        []WebhookConfig `yaml:"webhooks"`
	SlackWebhookURL string          `yaml:"slack_webhook_url"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     duration.Duration(15 * time.Second),
			WriteTimeout:    duration.Duration(15 * time.Second),
			ShutdownTimeout: duration.Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			Type: "badger",
			Path: "./data",
		},
		Cycle: CycleConfig{
			Interval:         duration.Duration(15 * time.Minute),
			StageTimeout:     duration.Duration(5 * time.Minute),
			RetryDelay:       duration.Duration(30 * time.Second),
			FailureThreshold: 3,
			SuccessThreshold: 5,
		},
		Collect: CollectConfig{
			Timeout: duration.Duration(30 * time.Second),
		},
		Capacity: CapacityConfig{
			WeeklyBudgetMinutes: 2400,
		},
		Maintenance: MaintenanceConfig{
			Schedule:  "0 3 * * *",
			Retention: duration.Duration(30 * 24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads YAML from path (when non-empty) over the defaults, applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VERITY_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("VERITY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("VERITY_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("VERITY_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("VERITY_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cycle.Interval = duration.Duration(d)
		}
	}
	if v := os.Getenv("VERITY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VERITY_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.SlackWebhookURL = v
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Storage.Type {
	case "badger":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for badger storage")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage type %q (want badger or memory)", c.Storage.Type)
	}
	if c.Cycle.Interval.Duration() <= 0 {
		return fmt.Errorf("cycle interval must be positive")
	}
	if c.Cycle.StageTimeout.Duration() <= 0 {
		return fmt.Errorf("stage timeout must be positive")
	}
	if c.Cycle.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1")
	}
	if c.Cycle.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1")
	}
	for i, src := range c.Collect.Sources {
		if src.Name == "" {
			return fmt.Errorf("collect source %d has no name", i)
		}
		if src.URL == "" {
			return fmt.Errorf("collect source %q has no url", src.Name)
		}
	}
	if c.Capacity.WeeklyBudgetMinutes < 1 {
		return fmt.Errorf("weekly budget minutes must be positive")
	}
	if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", c.Maintenance.Schedule, err)
	}
	if c.Maintenance.Retention.Duration() <= 0 {
		return fmt.Errorf("maintenance retention must be positive")
	}
	return nil
}
