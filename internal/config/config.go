// Package config provides configuration management for the reconciliation daemon.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultPollInterval is used when reconcile.poll_interval is unset.
	defaultPollInterval = 30 * time.Second
	// defaultConfirmTimeout is used when reconcile.confirm_timeout is unset.
	defaultConfirmTimeout = 15 * time.Minute
	// defaultMatchWindow is used when reconcile.match_window is unset.
	defaultMatchWindow = 30 * time.Minute
	// defaultDriftThreshold is used when reconcile.drift_threshold is unset.
	defaultDriftThreshold = 500.0
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	AccountID string `yaml:"account_id"`
	// RateLimit caps broker requests per second; Burst is the bucket size.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// ReconcileConfig tunes polling, matching, and recomputation.
type ReconcileConfig struct {
	PollInterval   string  `yaml:"poll_interval"`   // e.g. "30s"
	ConfirmTimeout string  `yaml:"confirm_timeout"` // e.g. "15m"
	MatchWindow    string  `yaml:"match_window"`    // e.g. "30m"
	RecalcInterval string  `yaml:"recalc_interval"` // e.g. "1h"; empty disables
	DriftThreshold float64 `yaml:"drift_threshold"` // dollars
}

// ServerConfig defines the HTTP API settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// StorageConfig defines storage settings for the ledger database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Broker.RateLimit < 0 {
		return fmt.Errorf("broker.rate_limit must be >= 0")
	}
	if c.Broker.Burst < 0 {
		return fmt.Errorf("broker.burst must be >= 0")
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"reconcile.poll_interval", c.Reconcile.PollInterval},
		{"reconcile.confirm_timeout", c.Reconcile.ConfirmTimeout},
		{"reconcile.match_window", c.Reconcile.MatchWindow},
		{"reconcile.recalc_interval", c.Reconcile.RecalcInterval},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.Reconcile.DriftThreshold < 0 {
		return fmt.Errorf("reconcile.drift_threshold must be >= 0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0,65535]")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

// IsLive reports whether the daemon targets the live brokerage environment.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == "live"
}

// GetLogLevel returns the configured log level, defaulting to info.
func (c *Config) GetLogLevel() string {
	if c.Environment.LogLevel == "" {
		return "info"
	}
	return c.Environment.LogLevel
}

// PollInterval returns the close-order polling interval.
func (c *Config) PollInterval() time.Duration {
	return durationOr(c.Reconcile.PollInterval, defaultPollInterval)
}

// ConfirmTimeout returns the close-order confirmation timeout.
func (c *Config) ConfirmTimeout() time.Duration {
	return durationOr(c.Reconcile.ConfirmTimeout, defaultConfirmTimeout)
}

// MatchWindow returns the heuristic fill-matching window.
func (c *Config) MatchWindow() time.Duration {
	return durationOr(c.Reconcile.MatchWindow, defaultMatchWindow)
}

// RecalcInterval returns the scheduled recomputation interval; zero disables
// the scheduled pass.
func (c *Config) RecalcInterval() time.Duration {
	return durationOr(c.Reconcile.RecalcInterval, 0)
}

// DriftThreshold returns the aggregate-delta warning threshold in dollars.
func (c *Config) DriftThreshold() float64 {
	if c.Reconcile.DriftThreshold <= 0 {
		return defaultDriftThreshold
	}
	return c.Reconcile.DriftThreshold
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
