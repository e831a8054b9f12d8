package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilocn/reprobe/internal/run"
	"github.com/ilocn/reprobe/internal/tmux"
	"github.com/ilocn/reprobe/internal/worker"
)

// StopRun halts a run: live sessions are asked to exit, get a bounded grace
// period to drain, then survivors are force-killed. Worker records are
// advanced to their last observed state, worktrees are released, and the run
// is finalized as stopped. Stopping an already terminal run succeeds only if
// it was stopped; any other recorded outcome stands and is reported as a
// conflict.
func (m *Manager) StopRun(ctx context.Context, runID string) error {
	r, err := run.Load(m.Store, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	if r.State.Terminal() {
		if r.State == run.StateStopped {
			return nil
		}
		return fmt.Errorf("run %s is already %s: %w", runID, r.State, run.ErrTerminal)
	}
	if err := r.BeginFinalize(m.Store); err != nil {
		return err
	}
	m.record(runID, run.RegistryEntry{Event: "stop_requested"})

	// Cooperative shutdown first: every live session gets an interrupt.
	names, err := m.Tmux.List(ctx, tmux.RunPrefix(runID))
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := m.Tmux.Interrupt(ctx, name); err != nil {
			slog.Debug("interrupt failed",
				slog.String("session", name), slog.Any("error", err))
		}
	}

	// Grace period: poll for sessions draining on their own.
	deadline := m.now().Add(m.Cfg.StopGrace())
	for m.now().Before(deadline) {
		if n, err := m.liveSessions(ctx, runID); err == nil && n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	// Force-kill what remains.
	names, err = m.Tmux.List(ctx, tmux.RunPrefix(runID))
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := m.Tmux.Kill(ctx, name); err != nil {
			slog.Warn("force kill failed",
				slog.String("session", name), slog.Any("error", err))
		} else {
			slog.Info("session killed", slog.String("session", name))
		}
	}

	// Record each worker's last observed state. Anything the stop caught
	// mid-flight ends failed rather than lingering as running.
	workers, err := worker.LoadAll(m.Store, runID)
	if err != nil {
		return err
	}
	for _, w := range workers {
		if w.State.Terminal() {
			continue
		}
		if err := w.Fail("run stopped before completion"); err != nil {
			return err
		}
		if err := w.Save(m.Store); err != nil {
			return err
		}
		m.record(runID, run.RegistryEntry{
			Event: "worker_failed", WorkerID: w.ID,
			State: string(w.State), Detail: w.FailReason,
		})
	}

	entries, err := run.Registry(m.Store, runID)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if e.WorkerID == "" || seen[e.WorkerID] {
			continue
		}
		seen[e.WorkerID] = true
		if err := m.Worktrees.Release(runID, e.WorkerID); err != nil {
			slog.Warn("worktree release failed",
				slog.String("worker_id", e.WorkerID), slog.Any("error", err))
		}
	}

	if err := r.Finalize(m.Store, run.StateStopped, "stopped by operator"); err != nil {
		return err
	}
	slog.Info("run stopped", slog.String("run_id", runID))
	return nil
}

func (m *Manager) liveSessions(ctx context.Context, runID string) (int, error) {
	names, err := m.Tmux.List(ctx, tmux.RunPrefix(runID))
	if err != nil {
		return 0, err
	}
	return len(names), nil
}
