// Package runtime wires the engine, the stores and the event log into a
// running HTTP service: configuration, hot reload and the API surface.
package runtime

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects and configures the conversation store backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`
	// DSN is the connection string for the postgres driver.
	DSN string `yaml:"dsn"`
}

// EventsConfig selects and configures the event log backend.
type EventsConfig struct {
	// Driver is one of "memory" or "sqlite".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// Retention is how long events are kept, as a Go duration string.
	// Empty disables the sweep.
	Retention string `yaml:"retention"`
	// SweepSchedule is the cron spec for the retention sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// Config is the service configuration, loaded from YAML.
type Config struct {
	Listen   string `yaml:"listen"`
	APIKey   string `yaml:"api_key"`
	LogLevel string `yaml:"log_level"`

	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTurns     int    `yaml:"max_turns"`
	MaxTokens    int    `yaml:"max_tokens"`
	// FlushInterval throttles mid-stream part persistence, as a Go
	// duration string.
	FlushInterval string `yaml:"flush_interval"`
	InlineToolTag string `yaml:"inline_tool_tag"`
	AskTool       string `yaml:"ask_tool"`
	// ResourceWarningTokens triggers the resource-warning flag; zero
	// disables it.
	ResourceWarningTokens int `yaml:"resource_warning_tokens"`

	Store  StoreConfig  `yaml:"store"`
	Events EventsConfig `yaml:"events"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Listen:        ":8080",
		LogLevel:      "info",
		Model:         "claude-sonnet-4-20250514",
		MaxTurns:      8,
		MaxTokens:     4096,
		FlushInterval: "200ms",
		InlineToolTag: "tool",
		AskTool:       "ask_user",
		Store:         StoreConfig{Driver: "sqlite", Path: "millrace.db"},
		Events: EventsConfig{
			Driver:        "sqlite",
			Path:          "millrace-events.db",
			Retention:     "168h",
			SweepSchedule: "@hourly",
		},
	}
}

// Load reads a YAML config file on top of the defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks driver names and duration fields.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path required for sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn required for postgres driver")
	}

	switch c.Events.Driver {
	case "memory":
	case "sqlite":
		if c.Events.Path == "" {
			return fmt.Errorf("config: events.path required for sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown events driver %q", c.Events.Driver)
	}

	if _, err := c.FlushIntervalDuration(); err != nil {
		return err
	}
	if _, err := c.RetentionDuration(); err != nil {
		return err
	}
	if c.MaxTurns <= 0 {
		return fmt.Errorf("config: max_turns must be positive")
	}
	if c.Listen == "" {
		return fmt.Errorf("config: listen address required")
	}
	return nil
}

// FlushIntervalDuration parses the flush interval.
func (c *Config) FlushIntervalDuration() (time.Duration, error) {
	if c.FlushInterval == "" {
		return 200 * time.Millisecond, nil
	}
	d, err := time.ParseDuration(c.FlushInterval)
	if err != nil {
		return 0, fmt.Errorf("config: bad flush_interval %q: %w", c.FlushInterval, err)
	}
	return d, nil
}

// RetentionDuration parses the event retention window. Zero means the sweep
// is disabled.
func (c *Config) RetentionDuration() (time.Duration, error) {
	if c.Events.Retention == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Events.Retention)
	if err != nil {
		return 0, fmt.Errorf("config: bad events.retention %q: %w", c.Events.Retention, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: events.retention must not be negative")
	}
	return d, nil
}
