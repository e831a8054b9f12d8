package manager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ilocn/reprobe/internal/command"
	"github.com/ilocn/reprobe/internal/config"
)

// Check is one preflight probe result.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

// PreflightResult lists every probe that ran. Later probes are skipped when
// earlier ones fail, so a missing binary does not cascade into noise.
type PreflightResult struct {
	Checks []Check `json:"checks"`
}

// Passed reports whether every check succeeded.
func (r PreflightResult) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Failures summarizes failed checks for diagnostics.
func (r PreflightResult) Failures() string {
	var parts []string
	for _, c := range r.Checks {
		if !c.Passed {
			parts = append(parts, fmt.Sprintf("%s: %s", c.Name, c.Details))
		}
	}
	return strings.Join(parts, "; ")
}

func binaryCheck(name string) Check {
	if _, err := exec.LookPath(name); err != nil {
		return Check{Name: name, Passed: false, Details: name + " not found in PATH"}
	}
	return Check{Name: name, Passed: true, Details: name + " found"}
}

// Preflight verifies the environment before any worker is launched: required
// binaries, a usable repository, and a live agent CLI.
func Preflight(ctx context.Context, runner *command.Runner, cfg config.Config) PreflightResult {
	var result PreflightResult
	for _, bin := range []string{cfg.WorkerBin, "tmux", "git"} {
		result.Checks = append(result.Checks, binaryCheck(bin))
	}

	repo := cfg.RepoPath
	if !filepath.IsAbs(repo) {
		result.Checks = append(result.Checks, Check{
			Name: "repo_exists", Passed: false,
			Details: "repo path must be an absolute existing path",
		})
		return result
	}
	if _, err := os.Stat(repo); err != nil {
		result.Checks = append(result.Checks, Check{
			Name: "repo_exists", Passed: false,
			Details: "repo path must be an absolute existing path",
		})
		return result
	}
	result.Checks = append(result.Checks, Check{Name: "repo_exists", Passed: true, Details: "repo path exists"})

	out, err := runner.Run(ctx, repo, "git", "-C", repo, "rev-parse", "--is-inside-work-tree")
	gitOK := err == nil && out.ExitCode == 0 && strings.TrimSpace(out.Stdout) == "true"
	details := strings.TrimSpace(out.Stdout)
	if details == "" {
		details = strings.TrimSpace(out.Stderr)
	}
	if details == "" {
		details = "invalid git repository"
	}
	result.Checks = append(result.Checks, Check{Name: "repo_path", Passed: gitOK, Details: details})

	if !result.Passed() {
		return result
	}
	result.Checks = append(result.Checks, agentAuthCheck(ctx, runner, cfg))
	return result
}

// agentAuthCheck runs a trivial agent invocation to surface authentication
// problems before a whole wave of workers hits them at once.
func agentAuthCheck(ctx context.Context, runner *command.Runner, cfg config.Config) Check {
	tmp, err := os.CreateTemp("", "reprobe-auth-*.txt")
	if err != nil {
		return Check{Name: "agent_auth", Passed: false, Details: err.Error()}
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	out, err := runner.Run(ctx, cfg.RepoPath, cfg.WorkerBin,
		"exec", "reply with OK", "-s", "read-only", "--skip-git-repo-check",
		"-C", cfg.RepoPath, "-o", tmpPath)
	if err != nil {
		return Check{Name: "agent_auth", Passed: false, Details: err.Error()}
	}
	if out.ExitCode == 0 {
		return Check{Name: "agent_auth", Passed: true, Details: "agent exec succeeded"}
	}
	details := strings.TrimSpace(out.Stderr)
	if details == "" {
		details = strings.TrimSpace(out.Stdout)
	}
	if details == "" {
		details = "agent exec failed"
	}
	lowered := strings.ToLower(details)
	if strings.Contains(lowered, "login") || strings.Contains(lowered, "auth") {
		details = "agent authentication required: " + details
	}
	return Check{Name: "agent_auth", Passed: false, Details: details}
}
