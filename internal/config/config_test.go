package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval())
	require.Equal(t, 10, cfg.Scheduler.MaxInFlight)
	require.Equal(t, 10*time.Second, cfg.Scheduler.StopTimeout())
	require.Equal(t, BackendSQLite, cfg.Store.Backend)
	require.Equal(t, "magnet:?xt=urn:btih:", cfg.Gateway.MagnetPrefix)
	require.NotEmpty(t, cfg.Artifacts.OutputDir)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
scheduler:
  tick_interval_ms: 250
  max_in_flight: 3
store:
  backend: mongo
  mongo_uri: mongodb://localhost:27017
server:
  metrics_addr: ":2112"
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.Scheduler.TickInterval())
	require.Equal(t, 3, cfg.Scheduler.MaxInFlight)
	require.Equal(t, BackendMongo, cfg.Store.Backend)
	require.Equal(t, ":2112", cfg.Server.MetricsAddr)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick interval", func(c *Config) { c.Scheduler.TickIntervalMs = 0 }},
		{"zero ceiling", func(c *Config) { c.Scheduler.MaxInFlight = 0 }},
		{"zero stop timeout", func(c *Config) { c.Scheduler.StopTimeoutSeconds = 0 }},
		{"sqlite without path", func(c *Config) { c.Store.SQLitePath = "" }},
		{"mongo without uri", func(c *Config) {
			c.Store.Backend = BackendMongo
			c.Store.MongoURI = ""
		}},
		{"unknown backend", func(c *Config) { c.Store.Backend = "cassandra" }},
		{"empty magnet prefix", func(c *Config) { c.Gateway.MagnetPrefix = "" }},
		{"empty output dir", func(c *Config) { c.Artifacts.OutputDir = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
