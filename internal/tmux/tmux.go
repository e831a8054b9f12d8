// Package tmux drives worker sessions through the tmux CLI. Sessions for a
// run share a name prefix so stray sessions from crashed runs can be found
// and reaped.
package tmux

import (
	"context"
	"fmt"
	"strings"

	"github.com/ilocn/reprobe/internal/command"
)

// SessionName builds the canonical session name for a worker.
func SessionName(runID, workerID string) string {
	return fmt.Sprintf("reprobe-%s-%s", runID, workerID)
}

// RunPrefix is the session name prefix shared by all workers of a run.
func RunPrefix(runID string) string {
	return fmt.Sprintf("reprobe-%s-", runID)
}

// Supervisor manages tmux sessions.
type Supervisor struct {
	Runner *command.Runner
}

// NewSupervisor returns a Supervisor using the given runner, or a default
// one when nil.
func NewSupervisor(r *command.Runner) *Supervisor {
	if r == nil {
		r = &command.Runner{}
	}
	return &Supervisor{Runner: r}
}

// List returns session names, optionally filtered by prefix. A tmux server
// that is not running is reported as zero sessions, not an error.
func (s *Supervisor) List(ctx context.Context, prefix string) ([]string, error) {
	out, err := s.Runner.Run(ctx, "", "tmux", "ls", "-F", "#{session_name}")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(out.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if prefix == "" || strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// Exists reports whether a session with the given name is running.
func (s *Supervisor) Exists(ctx context.Context, name string) (bool, error) {
	names, err := s.List(ctx, "")
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Create starts a detached session in workdir. When cmdline is non-empty the
// session runs it and exits when it finishes; otherwise an interactive shell
// is started.
func (s *Supervisor) Create(ctx context.Context, name, workdir, cmdline string) error {
	args := []string{"new-session", "-d", "-s", name, "-c", workdir}
	if cmdline != "" {
		args = append(args, cmdline)
	}
	_, err := s.Runner.RunChecked(ctx, "", "tmux", args...)
	return err
}

// Kill terminates a session. Killing a session that already exited is not an
// error.
func (s *Supervisor) Kill(ctx context.Context, name string) error {
	_, err := s.Runner.Run(ctx, "", "tmux", "kill-session", "-t", name)
	return err
}

// Send types text into a session's pane followed by Enter.
func (s *Supervisor) Send(ctx context.Context, name, text string) error {
	_, err := s.Runner.RunChecked(ctx, "", "tmux", "send-keys", "-t", name, text, "C-m")
	return err
}

// Interrupt sends Ctrl-C to a session's pane, asking its process to exit.
// Interrupting a session that is already gone is not an error.
func (s *Supervisor) Interrupt(ctx context.Context, name string) error {
	_, err := s.Runner.Run(ctx, "", "tmux", "send-keys", "-t", name, "C-c")
	return err
}

// Capture returns the last lines of a session's pane. A session that is gone
// captures as empty.
func (s *Supervisor) Capture(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	out, err := s.Runner.Run(ctx, "", "tmux", "capture-pane", "-p", "-t", name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", nil
	}
	return out.Stdout, nil
}

// AttachCommand returns the shell command a human runs to watch a session.
func AttachCommand(name string) string {
	return "tmux attach -t " + shellQuote(name)
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'`$\\&|;<>(){}*?#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
