package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
environment:
  mode: paper
  log_level: debug
broker:
  provider: tradier
  api_key: test-key
  account_id: acct-1
  rate_limit: 2
  burst: 4
reconcile:
  poll_interval: 10s
  confirm_timeout: 5m
  match_window: 30m
  recalc_interval: 1h
  drift_threshold: 250
server:
  port: 8080
storage:
  path: ledger.db
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.False(t, cfg.IsLive())
	assert.Equal(t, "debug", cfg.GetLogLevel())
	assert.Equal(t, 10*time.Second, cfg.PollInterval())
	assert.Equal(t, 5*time.Minute, cfg.ConfirmTimeout())
	assert.Equal(t, 30*time.Minute, cfg.MatchWindow())
	assert.Equal(t, time.Hour, cfg.RecalcInterval())
	assert.Equal(t, 250.0, cfg.DriftThreshold())
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_LEDGER_KEY", "secret-from-env")
	yaml := `
environment:
  mode: paper
broker:
  api_key: ${TEST_LEDGER_KEY}
  account_id: acct-1
server:
  port: 8080
storage:
  path: ledger.db
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Broker.APIKey)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	yaml := validYAML + "\nmystery_section:\n  x: 1\n"
	_, err := Load(writeConfig(t, yaml))
	assert.Error(t, err)
}

func TestDefaultsApply(t *testing.T) {
	yaml := `
environment:
  mode: live
broker:
  api_key: k
  account_id: a
server:
  port: 9000
storage:
  path: ledger.db
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.True(t, cfg.IsLive())
	assert.Equal(t, "info", cfg.GetLogLevel())
	assert.Equal(t, 30*time.Second, cfg.PollInterval())
	assert.Equal(t, 15*time.Minute, cfg.ConfirmTimeout())
	assert.Equal(t, time.Duration(0), cfg.RecalcInterval())
	assert.Equal(t, 500.0, cfg.DriftThreshold())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "prod" }},
		{"missing api key", func(c *Config) { c.Broker.APIKey = "" }},
		{"missing account", func(c *Config) { c.Broker.AccountID = "" }},
		{"bad duration", func(c *Config) { c.Reconcile.PollInterval = "soon" }},
		{"negative duration", func(c *Config) { c.Reconcile.MatchWindow = "-5m" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
