package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithoutPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerTimeoutSec != 300 {
		t.Errorf("WorkerTimeoutSec = %d, want 300", cfg.WorkerTimeoutSec)
	}
	if cfg.ValidationRuns != 5 || cfg.MinMatches != 4 {
		t.Errorf("validation bar = %d/%d, want 4/5", cfg.MinMatches, cfg.ValidationRuns)
	}
	if cfg.MinWorkers != 2 || cfg.MaxWorkers != 6 {
		t.Errorf("workers = %d..%d", cfg.MinWorkers, cfg.MaxWorkers)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reprobe.yaml")
	data := []byte("min_workers: 3\nmax_workers: 8\nworker_timeout_sec: 600\nworker_bin: fakeagent\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinWorkers != 3 || cfg.MaxWorkers != 8 {
		t.Errorf("workers = %d..%d, want 3..8", cfg.MinWorkers, cfg.MaxWorkers)
	}
	if cfg.WorkerBin != "fakeagent" {
		t.Errorf("WorkerBin = %s", cfg.WorkerBin)
	}
	// Unset fields keep defaults.
	if cfg.PollIntervalSec != 5 {
		t.Errorf("PollIntervalSec = %d, want 5", cfg.PollIntervalSec)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_EnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yaml")
	if err := os.WriteFile(path, []byte("max_workers: 9\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxWorkers != 9 {
		t.Errorf("MaxWorkers = %d, want 9", cfg.MaxWorkers)
	}
}

func TestNormalize_StallDerivedFromTimeout(t *testing.T) {
	cfg := Default()
	cfg.WorkerTimeoutSec = 600
	cfg.StallAfterSec = 0
	got, err := cfg.normalize()
	if err != nil {
		t.Fatal(err)
	}
	if got.StallAfterSec != 200 {
		t.Errorf("StallAfterSec = %d, want 200", got.StallAfterSec)
	}

	cfg.WorkerTimeoutSec = 60
	cfg.StallAfterSec = 0
	got, err = cfg.normalize()
	if err != nil {
		t.Fatal(err)
	}
	// Floor of 45s kicks in for short timeouts.
	if got.StallAfterSec != 45 {
		t.Errorf("StallAfterSec = %d, want 45", got.StallAfterSec)
	}
}

func TestNormalize_MaxClampedToMin(t *testing.T) {
	cfg := Default()
	cfg.MinWorkers = 5
	cfg.MaxWorkers = 3
	got, err := cfg.normalize()
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxWorkers != 5 {
		t.Errorf("MaxWorkers = %d, want 5", got.MaxWorkers)
	}
}

func TestNormalize_MinMatchesBounds(t *testing.T) {
	cfg := Default()
	cfg.ValidationRuns = 3
	cfg.MinMatches = 0
	got, err := cfg.normalize()
	if err != nil {
		t.Fatal(err)
	}
	if got.MinMatches != 3 {
		t.Errorf("MinMatches = %d, want 3", got.MinMatches)
	}

	cfg.MinMatches = 7
	if _, err := cfg.normalize(); err == nil {
		t.Fatal("expected error for min_matches > validation_runs")
	}
}
