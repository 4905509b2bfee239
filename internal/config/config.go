// Package config loads engine configuration from .forge/config.yaml with
// FORGE_* environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine tunables.
//
// The stuck-detection constants (stagnation range, oscillation deviation and
// range, net-improvement margin) are carried over from observed behavior and
// are tunable, not validated: nothing about plan scoring says 5 points is the
// right stagnation band. Change them through config, not code.
type Config struct {
	// Consensus protocol
	ConsensusThreshold     float64       `mapstructure:"consensus_threshold"`      // accept at or above (default 95)
	ArbitrationThreshold   float64       `mapstructure:"arbitration_threshold"`    // minimum best score to arbitrate (default 80)
	MaxIterations          int           `mapstructure:"max_iterations"`           // consensus rounds per run (default 10)
	MaxArbitrationAttempts int           `mapstructure:"max_arbitration_attempts"` // arbitrator invocations per run (default 2)
	ConsensusTimeout       time.Duration `mapstructure:"consensus_timeout"`        // wall clock per consensus run (default 15m)

	// Stuck detection
	StuckWindowSize      int     `mapstructure:"stuck_window_size"`      // scores examined (default 4)
	StagnationRange      float64 `mapstructure:"stagnation_range"`       // max-min ≤ this is stagnant (default 5)
	OscillationDeviation float64 `mapstructure:"oscillation_deviation"`  // mean abs deviation above this oscillates (default 3)
	OscillationRange     float64 `mapstructure:"oscillation_range"`      // window range below this oscillates (default 20)
	NetImprovementMargin float64 `mapstructure:"net_improvement_margin"` // last must beat first by more than this (default 2)

	// Arbitration acceptance
	ArbitrationAcceptScore    float64 `mapstructure:"arbitration_accept_score"`    // accept regardless of verdict (default 88)
	ArbitrationExhaustedScore float64 `mapstructure:"arbitration_exhausted_score"` // accept when attempts exhausted (default 80)

	// Task execution
	TaskMaxRetries int `mapstructure:"task_max_retries"` // targeted-fix attempts per task (default 3)

	// Backends
	Reviewers           []string `mapstructure:"reviewers"`            // reviewer backend names (registry keys)
	Arbitrator          string   `mapstructure:"arbitrator"`           // arbitrator backend name
	ReviewerConcurrency int64    `mapstructure:"reviewer_concurrency"` // bounded fan-out (default 3)
	Model               string   `mapstructure:"model"`                // override reviewer/arbitrator model
	AgentCommand        string   `mapstructure:"agent_command"`        // generation backend CLI (default "claude")

	// Storage
	StateDir string `mapstructure:"state_dir"` // where project state lives (default .forge)
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ConsensusThreshold:        95,
		ArbitrationThreshold:      80,
		MaxIterations:             10,
		MaxArbitrationAttempts:    2,
		ConsensusTimeout:          15 * time.Minute,
		StuckWindowSize:           4,
		StagnationRange:           5,
		OscillationDeviation:      3,
		OscillationRange:          20,
		NetImprovementMargin:      2,
		ArbitrationAcceptScore:    88,
		ArbitrationExhaustedScore: 80,
		TaskMaxRetries:            3,
		Reviewers:                 []string{"anthropic"},
		Arbitrator:                "anthropic",
		ReviewerConcurrency:       3,
		AgentCommand:              "claude",
		StateDir:                  ".forge",
	}
}

// Load reads configuration for a project directory. A missing config file is
// not an error; defaults apply. Environment variables (FORGE_*) override
// file values.
func Load(projectDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(projectDir, ".forge"))

	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("consensus_threshold", def.ConsensusThreshold)
	v.SetDefault("arbitration_threshold", def.ArbitrationThreshold)
	v.SetDefault("max_iterations", def.MaxIterations)
	v.SetDefault("max_arbitration_attempts", def.MaxArbitrationAttempts)
	v.SetDefault("consensus_timeout", def.ConsensusTimeout)
	v.SetDefault("stuck_window_size", def.StuckWindowSize)
	v.SetDefault("stagnation_range", def.StagnationRange)
	v.SetDefault("oscillation_deviation", def.OscillationDeviation)
	v.SetDefault("oscillation_range", def.OscillationRange)
	v.SetDefault("net_improvement_margin", def.NetImprovementMargin)
	v.SetDefault("arbitration_accept_score", def.ArbitrationAcceptScore)
	v.SetDefault("arbitration_exhausted_score", def.ArbitrationExhaustedScore)
	v.SetDefault("task_max_retries", def.TaskMaxRetries)
	v.SetDefault("reviewers", def.Reviewers)
	v.SetDefault("arbitrator", def.Arbitrator)
	v.SetDefault("reviewer_concurrency", def.ReviewerConcurrency)
	v.SetDefault("model", def.Model)
	v.SetDefault("agent_command", def.AgentCommand)
	v.SetDefault("state_dir", def.StateDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would deadlock or spin the engine
func (c *Config) Validate() error {
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 100 {
		return fmt.Errorf("consensus_threshold must be in (0, 100], got %v", c.ConsensusThreshold)
	}
	if c.ArbitrationThreshold < 0 || c.ArbitrationThreshold > 100 {
		return fmt.Errorf("arbitration_threshold must be in [0, 100], got %v", c.ArbitrationThreshold)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.MaxArbitrationAttempts < 0 {
		return fmt.Errorf("max_arbitration_attempts cannot be negative, got %d", c.MaxArbitrationAttempts)
	}
	if c.ConsensusTimeout <= 0 {
		return fmt.Errorf("consensus_timeout must be positive, got %v", c.ConsensusTimeout)
	}
	if c.StuckWindowSize < 2 {
		return fmt.Errorf("stuck_window_size must be at least 2, got %d", c.StuckWindowSize)
	}
	if c.TaskMaxRetries < 0 {
		return fmt.Errorf("task_max_retries cannot be negative, got %d", c.TaskMaxRetries)
	}
	if len(c.Reviewers) == 0 {
		return fmt.Errorf("at least one reviewer is required")
	}
	if c.ReviewerConcurrency <= 0 {
		return fmt.Errorf("reviewer_concurrency must be positive, got %d", c.ReviewerConcurrency)
	}
	return nil
}
