// Package command wraps subprocess execution with mandatory deadlines so a
// hung external tool (git, tmux, an agent CLI, a reproducer script) fails the
// one call that invoked it instead of stalling the supervision loop.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds calls made without an explicit deadline.
const DefaultTimeout = 30 * time.Second

// Output captures everything about a finished subprocess.
type Output struct {
	Args     []string
	Dir      string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Error wraps a non-zero exit for callers that asked for one (Check variants).
type Error struct {
	Out Output
}

func (e *Error) Error() string {
	return fmt.Sprintf("command failed (%d): %s\nstderr: %s",
		e.Out.ExitCode, strings.Join(e.Out.Args, " "), strings.TrimSpace(e.Out.Stderr))
}

// Runner executes external commands. The zero value is ready to use; a custom
// Timeout overrides DefaultTimeout for calls whose context has no deadline.
type Runner struct {
	Timeout time.Duration
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

// Run executes name with args in dir and returns its output. A non-zero exit
// is not an error — callers inspect ExitCode. Errors mean the process could
// not run at all (binary missing, context cancelled before start).
func (r *Runner) Run(ctx context.Context, dir, name string, args ...string) (Output, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout())
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{
		Args:     append([]string{name}, args...),
		Dir:      dir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: ctx.Err() == context.DeadlineExceeded,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		out.ExitCode = -1
		if out.TimedOut {
			return out, fmt.Errorf("%s timed out: %w", name, ctx.Err())
		}
		return out, err
	}
	return out, nil
}

// RunChecked is Run but returns *Error on a non-zero exit.
func (r *Runner) RunChecked(ctx context.Context, dir, name string, args ...string) (Output, error) {
	out, err := r.Run(ctx, dir, name, args...)
	if err != nil {
		return out, err
	}
	if out.ExitCode != 0 {
		return out, &Error{Out: out}
	}
	return out, nil
}

// Shell executes script through "bash -c" in dir. Scripts come from worker
// candidates (setup commands, oracle commands) and are inherently untrusted;
// the deadline is the only containment this layer provides.
func (r *Runner) Shell(ctx context.Context, dir, script string) (Output, error) {
	return r.Run(ctx, dir, "bash", "-c", script)
}
