package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiary-io/apiary/pkg/errdefs"
)

// TestDefaults tests the built-in configuration values
func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, ".apiary", cfg.DataDir)
	assert.Equal(t, 0, cfg.Runtime.MaxCycles)
	assert.Equal(t, 5, cfg.Runtime.MaxConsecutiveFailures)
	assert.Equal(t, 5*time.Second, cfg.Runtime.CheckInterval)
	assert.Equal(t, 30*time.Second, cfg.Sync.PollingInterval)
	assert.Equal(t, 30*time.Second, cfg.Sync.Timeout)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.True(t, cfg.Sync.Auto)
	assert.Equal(t, time.Second, cfg.Queue.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Queue.MaxDelay)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Queue.HealthCheckInterval)
	assert.Equal(t, BusDB, cfg.Bus.Variant)
	assert.Equal(t, 60*time.Second, cfg.Bus.PurgeInterval)
	assert.Equal(t, 24*time.Hour, cfg.Bus.DefaultTTL)
	assert.Equal(t, 0.3, cfg.Scheduler.PartialCredit)
	assert.Equal(t, 1.0, cfg.Scheduler.MinSkillScore)
	assert.Equal(t, 3, cfg.Scheduler.MaxClaimAttempts)
	assert.False(t, cfg.Scheduler.AllowRetrySameAgent)
	assert.Equal(t, 15*time.Second, cfg.Sweep.LeaseInterval)
	assert.Equal(t, 5*time.Second, cfg.Sweep.PromoteInterval)
	assert.Equal(t, 60*time.Second, cfg.Sweep.HeartbeatThreshold)
}

// TestLoadFromFile tests YAML file loading with overrides
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apiary.yaml")
	content := `
mode: hybrid
dataDir: /var/lib/apiary
edge:
  url: https://edge.example.com
  token: secret-token
sync:
  pollingInterval: 10s
  batchSize: 25
queue:
  baseDelay: 2s
bus:
  variant: mailbox
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeHybrid, cfg.Mode)
	assert.Equal(t, "/var/lib/apiary", cfg.DataDir)
	assert.Equal(t, "https://edge.example.com", cfg.Edge.URL)
	assert.Equal(t, "secret-token", cfg.Edge.Token)
	assert.Equal(t, 10*time.Second, cfg.Sync.PollingInterval)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Queue.BaseDelay)
	assert.Equal(t, BusMailbox, cfg.Bus.Variant)

	// Values not in the file keep their defaults
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Sync.Timeout)
}

// TestLegacyEdgeKeys tests the cloudflare.* alias names
func TestLegacyEdgeKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apiary.yaml")
	content := `
mode: hybrid
cloudflare:
  workerUrl: https://worker.example.com
  apiToken: legacy-token
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://worker.example.com", cfg.Edge.URL)
	assert.Equal(t, "legacy-token", cfg.Edge.Token)
}

// TestValidation tests configuration error cases
func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "cluster" }},
		{"hybrid without edge url", func(c *Config) { c.Mode = ModeHybrid; c.Edge.Token = "t" }},
		{"hybrid without edge token", func(c *Config) { c.Mode = ModeHybrid; c.Edge.URL = "https://x" }},
		{"unknown bus variant", func(c *Config) { c.Bus.Variant = "kafka" }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero max attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"base above max delay", func(c *Config) { c.Queue.BaseDelay = 2 * time.Minute }},
		{"partial credit above one", func(c *Config) { c.Scheduler.PartialCredit = 1.5 }},
		{"negative min skill score", func(c *Config) { c.Scheduler.MinSkillScore = -0.1 }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errdefs.IsConfig(err), "validation failures carry the config kind")
		})
	}
}

// TestValidModesPass tests that every documented mode validates with edge set
func TestValidModesPass(t *testing.T) {
	for _, mode := range []Mode{ModeLocal, ModeHybrid, ModeEdge} {
		cfg := Default()
		cfg.Mode = mode
		cfg.Edge = EdgeConfig{URL: "https://edge.example.com", Token: "t"}
		assert.NoError(t, cfg.Validate(), "mode %s", mode)
	}
}
