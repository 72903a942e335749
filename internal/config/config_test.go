package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "USD", cfg.Settlement.Currency)
	assert.Equal(t, 5, cfg.Settlement.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Settlement.BaseBackoff)
	assert.Equal(t, 0.95, cfg.Risk.Confidence)
	assert.Equal(t, "AE", cfg.Compliance.Jurisdiction)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: 9090
database:
  driver: sqlite
  dsn: file::memory:?cache=shared
risk:
  workers: 8
  confidence: 0.99
compliance:
  jurisdiction: MY
  ramadan_start: "2026-02-18"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Risk.Workers)
	assert.Equal(t, 0.99, cfg.Risk.Confidence)
	assert.Equal(t, "MY", cfg.Compliance.Jurisdiction)

	start, ok := cfg.Compliance.RamadanStartTime()
	require.True(t, ok)
	assert.Equal(t, 2026, start.Year())
	assert.Equal(t, time.February, start.Month())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ETRM_SERVER_PORT", "7070")
	t.Setenv("ETRM_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }},
		{"zero risk workers", func(c *Config) { c.Risk.Workers = 0 }},
		{"bad confidence", func(c *Config) { c.Risk.Confidence = 0.9 }},
		{"bad ramadan date", func(c *Config) { c.Compliance.RamadanStart = "Feb 18" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
