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
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 95.0, cfg.ConsensusThreshold)
	assert.Equal(t, 80.0, cfg.ArbitrationThreshold)
	assert.Equal(t, 2, cfg.MaxArbitrationAttempts)
	assert.Equal(t, 15*time.Minute, cfg.ConsensusTimeout)
	assert.Equal(t, 4, cfg.StuckWindowSize)
	assert.Equal(t, 3, cfg.TaskMaxRetries)
	assert.Equal(t, []string{"anthropic"}, cfg.Reviewers)
	assert.Equal(t, "claude", cfg.AgentCommand)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".forge"), 0o755))
	content := []byte("consensus_threshold: 90\ntask_max_retries: 5\nreviewers:\n  - anthropic\n  - anthropic-strict\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".forge", "config.yaml"), content, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 90.0, cfg.ConsensusThreshold)
	assert.Equal(t, 5, cfg.TaskMaxRetries)
	assert.Equal(t, []string{"anthropic", "anthropic-strict"}, cfg.Reviewers)
	// Untouched values keep defaults
	assert.Equal(t, 10, cfg.MaxIterations)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threshold", func(c *Config) { c.ConsensusThreshold = 0 }},
		{"threshold over 100", func(c *Config) { c.ConsensusThreshold = 101 }},
		{"zero iterations", func(c *Config) { c.MaxIterations = 0 }},
		{"negative arbitration attempts", func(c *Config) { c.MaxArbitrationAttempts = -1 }},
		{"tiny stuck window", func(c *Config) { c.StuckWindowSize = 1 }},
		{"no reviewers", func(c *Config) { c.Reviewers = nil }},
		{"zero concurrency", func(c *Config) { c.ReviewerConcurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
