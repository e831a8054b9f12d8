// Package config loads and validates the manager configuration. Settings come
// from a YAML file (path from --config or the REPROBE_CONFIG env var) with
// every field optional; unset fields fall back to defaults that match how the
// tool is normally driven.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no explicit
// config path is given.
const EnvConfigPath = "REPROBE_CONFIG"

// Config is the full manager configuration.
type Config struct {
	// RunsDir is the root directory for run artifacts.
	RunsDir string `yaml:"runs_dir"`

	// RepoPath is the local clone the workers investigate.
	RepoPath string `yaml:"repo_path"`

	// WorkerBin is the agent CLI launched inside each session.
	WorkerBin string `yaml:"worker_bin"`
	// WorkerModel is passed to the agent CLI when non-empty.
	WorkerModel string `yaml:"worker_model"`
	// ReducerBin performs semantic script reduction. Minimization skips the
	// semantic pass cleanly when the binary is absent.
	ReducerBin string `yaml:"reducer_bin"`

	// MinWorkers is the first wave size and the minimum needed to proceed.
	MinWorkers int `yaml:"min_workers"`
	// MaxWorkers is a hard cap across all waves.
	MaxWorkers int `yaml:"max_workers"`
	// RetryBudget is how many times a worker that failed before producing
	// output may be relaunched.
	RetryBudget int `yaml:"retry_budget"`

	// WorkerTimeoutSec bounds a single worker's wall clock.
	WorkerTimeoutSec int `yaml:"worker_timeout_sec"`
	// PollIntervalSec is the supervision loop cadence.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// StallAfterSec is how long a worker's pane may stay unchanged before
	// the stall ladder starts. Zero derives it from the worker timeout.
	StallAfterSec int `yaml:"stall_after_sec"`
	// StopGraceSec is how long stop_run waits for sessions to exit before
	// force-killing them.
	StopGraceSec int `yaml:"stop_grace_sec"`

	// ValidationRuns is how many times the oracle executes each candidate.
	ValidationRuns int `yaml:"validation_runs"`
	// MinMatches is how many of those executions must match the claimed
	// failure signature.
	MinMatches int `yaml:"min_matches"`

	// GitHubToken authenticates issue fetches when set. Falls back to the
	// GITHUB_TOKEN env var.
	GitHubToken string `yaml:"github_token"`

	// WebAddr is the status server listen address.
	WebAddr string `yaml:"web_addr"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		RunsDir:          "runs",
		WorkerBin:        "codex",
		MinWorkers:       2,
		MaxWorkers:       6,
		RetryBudget:      1,
		WorkerTimeoutSec: 300,
		PollIntervalSec:  5,
		StopGraceSec:     10,
		ValidationRuns:   5,
		MinMatches:       4,
		WebAddr:          "127.0.0.1:7677",
	}
}

// Load reads the config at path, or from REPROBE_CONFIG when path is empty.
// No path at all yields defaults; a named file that is missing or malformed
// is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return cfg.normalize()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg.normalize()
}

// normalize clamps and derives fields, and rejects combinations the run loop
// cannot honor.
func (c Config) normalize() (Config, error) {
	d := Default()
	if c.RunsDir == "" {
		c.RunsDir = d.RunsDir
	}
	if c.WorkerBin == "" {
		c.WorkerBin = d.WorkerBin
	}
	if c.MinWorkers < 1 {
		c.MinWorkers = d.MinWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
	if c.WorkerTimeoutSec < 30 {
		c.WorkerTimeoutSec = d.WorkerTimeoutSec
	}
	if c.PollIntervalSec < 1 {
		c.PollIntervalSec = d.PollIntervalSec
	}
	if c.StopGraceSec < 1 {
		c.StopGraceSec = d.StopGraceSec
	}
	if c.StallAfterSec <= 0 {
		derived := c.WorkerTimeoutSec / 3
		if derived < 45 {
			derived = 45
		}
		c.StallAfterSec = derived
	}
	if c.StallAfterSec >= c.WorkerTimeoutSec {
		c.StallAfterSec = c.WorkerTimeoutSec / 2
	}
	if c.ValidationRuns < 1 {
		c.ValidationRuns = d.ValidationRuns
	}
	if c.MinMatches < 1 {
		c.MinMatches = d.MinMatches
		if c.MinMatches > c.ValidationRuns {
			c.MinMatches = c.ValidationRuns
		}
	}
	if c.MinMatches > c.ValidationRuns {
		return c, fmt.Errorf("min_matches must be in [1, validation_runs=%d], got %d",
			c.ValidationRuns, c.MinMatches)
	}
	if c.GitHubToken == "" {
		c.GitHubToken = os.Getenv("GITHUB_TOKEN")
	}
	if c.WebAddr == "" {
		c.WebAddr = d.WebAddr
	}
	return c, nil
}

// WorkerTimeout returns WorkerTimeoutSec as a duration.
func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutSec) * time.Second
}

// PollInterval returns PollIntervalSec as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// StallAfter returns StallAfterSec as a duration.
func (c Config) StallAfter() time.Duration {
	return time.Duration(c.StallAfterSec) * time.Second
}

// StopGrace returns StopGraceSec as a duration.
func (c Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSec) * time.Second
}
