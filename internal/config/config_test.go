package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Health.FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.Health.CircuitCooldown)
	require.Equal(t, 30*time.Second, cfg.Dispatch.AttemptTimeout)
	require.Equal(t, 2*time.Minute, cfg.Dispatch.DefaultDeadline)
	require.Equal(t, "earliest_probe", cfg.Dispatch.TieBreak)
	require.True(t, cfg.Dispatch.RetryOnTimeout)
	require.Equal(t, 2*time.Hour, cfg.Async.Retention)
	require.Equal(t, "/api/scrape", cfg.Workers.JobPath)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "none", cfg.Database.Driver)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
workers:
  endpoints:
    - http://worker-1:9000
    - http://worker-2:9000
  recycle_path: ""
health:
  probe_interval: 5s
  failure_threshold: 5
  circuit_cooldown: 1m
  recycle_budget: 20
dispatch:
  attempt_timeout: 45s
  max_attempts: 4
  tie_break: latest_probe
  retry_on_timeout: false
database:
  driver: sqlite
  path: /tmp/fleet.db
storage:
  backend: local
  local_dir: /tmp/results
logging:
  development: false
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, []string{"http://worker-1:9000", "http://worker-2:9000"}, cfg.Workers.Endpoints)
	require.Empty(t, cfg.Workers.RecyclePath)
	require.Equal(t, 5*time.Second, cfg.Health.ProbeInterval)
	require.Equal(t, 5, cfg.Health.FailureThreshold)
	require.Equal(t, time.Minute, cfg.Health.CircuitCooldown)
	require.Equal(t, 20, cfg.Health.RecycleBudget)
	require.Equal(t, 45*time.Second, cfg.Dispatch.AttemptTimeout)
	require.Equal(t, 4, cfg.Dispatch.MaxAttempts)
	require.Equal(t, "latest_probe", cfg.Dispatch.TieBreak)
	require.False(t, cfg.Dispatch.RetryOnTimeout)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "/tmp/results", cfg.Storage.LocalDir)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

//nolint:paralleltest // t.Setenv forbids t.Parallel.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLEET_SERVER_PORT", "7070")
	t.Setenv("FLEET_WORKERS_ENDPOINTS", "http://a:9000,http://b:9000")
	t.Setenv("FLEET_DISPATCH_MAX_ATTEMPTS", "5")
	t.Setenv("FLEET_HEALTH_CIRCUIT_COOLDOWN", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, []string{"http://a:9000", "http://b:9000"}, cfg.Workers.Endpoints)
	require.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	require.Equal(t, 90*time.Second, cfg.Health.CircuitCooldown)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "auth key", mutate: func(c *Config) { c.Auth.Enabled = true }},
		{name: "threshold", mutate: func(c *Config) { c.Health.FailureThreshold = 0 }},
		{name: "budget", mutate: func(c *Config) { c.Health.RecycleBudget = -1 }},
		{name: "attempts", mutate: func(c *Config) { c.Dispatch.MaxAttempts = 0 }},
		{name: "deadline cap", mutate: func(c *Config) { c.Dispatch.DefaultDeadline = time.Hour }},
		{name: "tie break", mutate: func(c *Config) { c.Dispatch.TieBreak = "random" }},
		{name: "postgres dsn", mutate: func(c *Config) { c.Database.Driver = "postgres" }},
		{name: "db driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }},
		{name: "pubsub project", mutate: func(c *Config) { c.PubSub.Enabled = true }},
		{name: "gcp exporter", mutate: func(c *Config) { c.Telemetry.Exporter = "gcp" }},
		{name: "agent engine", mutate: func(c *Config) { c.Agent.Engine = "selenium" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
