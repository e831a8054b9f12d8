// Package worktree gives each worker an isolated detached checkout of the
// target repository. Workers never share a working directory and never touch
// the primary checkout.
package worktree

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// run executes a git command in the given directory and returns stdout.
func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, errBuf.String())
	}
	return strings.TrimSpace(out.String()), nil
}

// runAllowFail executes a git command and returns (stdout, exitCode, error).
func runAllowFail(dir string, args ...string) (string, int, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return "", -1, err
		}
	}
	return strings.TrimSpace(out.String()), code, nil
}

// Manager creates and releases worker worktrees under a common parent
// directory.
type Manager struct {
	// RepoPath is the primary checkout worktrees branch from.
	RepoPath string
	// Dir is the parent directory for worker worktrees.
	Dir string
}

// Path returns where a worker's worktree lives.
func (m *Manager) Path(runID, workerID string) string {
	return filepath.Join(m.Dir, runID+"-"+workerID)
}

// Acquire creates a detached worktree at HEAD for a worker and returns its
// path. Detached checkouts mean no branch bookkeeping and no way for one
// worker's commits to leak into another's view.
func (m *Manager) Acquire(runID, workerID string) (string, error) {
	path := m.Path(runID, workerID)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("worktree path %s already exists", path)
	}
	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return "", err
	}
	// Prune stale registrations first so a retry after an os.RemoveAll-only
	// cleanup does not fail with "missing but already registered worktree".
	runAllowFail(m.RepoPath, "worktree", "prune") //nolint:errcheck
	if _, err := run(m.RepoPath, "worktree", "add", "--detach", path); err != nil {
		return "", err
	}
	return path, nil
}

// Release removes a worker's worktree. Best-effort: a worktree git no longer
// knows about is removed from disk directly.
func (m *Manager) Release(runID, workerID string) error {
	path := m.Path(runID, workerID)
	if _, code, err := runAllowFail(m.RepoPath, "worktree", "remove", "--force", path); err != nil || code != 0 {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return rmErr
		}
	}
	runAllowFail(m.RepoPath, "worktree", "prune") //nolint:errcheck
	return nil
}

// Diff returns the uncommitted changes a worker made in its worktree.
func (m *Manager) Diff(runID, workerID string) (string, error) {
	return run(m.Path(runID, workerID), "diff", "HEAD")
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	out, _, err := runAllowFail(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HeadCommit returns the repository's current HEAD commit hash.
func HeadCommit(repoPath string) (string, error) {
	return run(repoPath, "rev-parse", "HEAD")
}

// Init initializes a git repository with an initial commit. Test helper for
// packages that need a real repo to operate on.
func Init(dir string) error {
	if _, err := run(dir, "init", "-b", "main"); err != nil {
		return err
	}
	if _, err := run(dir, "config", "user.email", "reprobe@local"); err != nil {
		return err
	}
	if _, err := run(dir, "config", "user.name", "Reprobe"); err != nil {
		return err
	}
	_, err := run(dir, "commit", "--allow-empty", "-m", "init")
	return err
}
