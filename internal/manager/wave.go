package manager

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ilocn/reprobe/internal/agent"
	"github.com/ilocn/reprobe/internal/issue"
	"github.com/ilocn/reprobe/internal/run"
	"github.com/ilocn/reprobe/internal/tmux"
	"github.com/ilocn/reprobe/internal/worker"
)

// launchWave starts count workers for a role. Worker IDs are w1..wN within
// the wave; a later, larger wave reuses the low IDs, which is safe because
// earlier waves are torn down before the next one launches. A slot that
// cannot launch is recorded failed and the wave proceeds without it.
func (m *Manager) launchWave(ctx context.Context, r *run.Run, spec *issue.Spec, role worker.Role, count int, minimalRepro string) ([]*worker.Worker, error) {
	workers := make([]*worker.Worker, 0, count)
	for idx := 1; idx <= count; idx++ {
		w, err := m.launchSlot(ctx, r, spec, fmt.Sprintf("w%d", idx), role, minimalRepro)
		if err != nil {
			return workers, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// launchSlot launches one worker slot, retrying within the budget. Launch
// errors are fatal to the slot, never to the run: the exhausted slot is
// returned in the failed state. Returned errors mean the worker record
// itself could not be persisted.
func (m *Manager) launchSlot(ctx context.Context, r *run.Run, spec *issue.Spec, id string, role worker.Role, minimalRepro string) (*worker.Worker, error) {
	var w *worker.Worker
	for attempt := 0; ; attempt++ {
		w = worker.New(r.ID, id, role)
		w.RetryCount = attempt
		err := m.launchWorker(ctx, r, spec, w, minimalRepro)
		if err == nil {
			return w, nil
		}
		slog.Warn("worker launch failed",
			slog.String("run_id", r.ID),
			slog.String("worker_id", id),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if !w.State.Terminal() {
			if ferr := w.Fail(err.Error()); ferr != nil {
				return nil, ferr
			}
		}
		if serr := w.Save(m.Store); serr != nil {
			return nil, serr
		}
		if !w.Retryable(m.Cfg.RetryBudget) {
			return w, nil
		}
	}
}

// launchWorker takes one worker from pending to running: worktree, prompt,
// script, session, registry entry.
func (m *Manager) launchWorker(ctx context.Context, r *run.Run, spec *issue.Spec, w *worker.Worker, minimalRepro string) error {
	if err := w.Advance(worker.StateLaunching); err != nil {
		return err
	}

	// Stale directories from a previous attempt at this slot are reclaimed.
	m.Worktrees.Release(r.ID, w.ID) //nolint:errcheck
	wtPath, err := m.Worktrees.Acquire(r.ID, w.ID)
	if err != nil {
		return fmt.Errorf("worktree for %s: %w", w.ID, err)
	}
	w.WorktreePath = wtPath

	var prompt string
	switch w.Role {
	case worker.RoleReproBuilder:
		prompt = agent.BuildReproPrompt(spec, w.ID)
		w.OutputPath = m.Store.CandidateOutput(r.ID, w.ID)
	case worker.RoleTriager:
		prompt = agent.BuildTriagePrompt(spec, w.ID, minimalRepro, spec.TargetPaths)
		w.OutputPath = m.Store.TriageOutput(r.ID, w.ID)
	default:
		return fmt.Errorf("unknown role %q", w.Role)
	}

	w.ScriptPath = filepath.Join(m.Store.ScriptsDir(r.ID), fmt.Sprintf("%s-%s.sh", w.Role, w.ID))
	telemetryPath := filepath.Join(m.Store.TelemetryDir(r.ID), fmt.Sprintf("worker-%s-%s.jsonl", w.Role, w.ID))
	err = agent.WriteExecScript(prompt, agent.ExecSpec{
		Bin:           m.Cfg.WorkerBin,
		Model:         m.Cfg.WorkerModel,
		PromptPath:    filepath.Join(m.Store.PromptsDir(r.ID), fmt.Sprintf("%s-%s.prompt.txt", w.Role, w.ID)),
		ScriptPath:    w.ScriptPath,
		OutputPath:    w.OutputPath,
		TelemetryPath: telemetryPath,
		WorktreePath:  wtPath,
	})
	if err != nil {
		return err
	}

	w.Session = tmux.SessionName(r.ID, w.ID)
	if exists, err := m.Tmux.Exists(ctx, w.Session); err == nil && exists {
		m.Tmux.Kill(ctx, w.Session) //nolint:errcheck
	}
	if err := m.Tmux.Create(ctx, w.Session, m.Cfg.RepoPath, w.ScriptPath); err != nil {
		w.Fail("session creation failed: " + err.Error()) //nolint:errcheck
		w.Save(m.Store)                                   //nolint:errcheck
		return err
	}

	if err := run.Register(m.Store, run.RegistryEntry{
		RunID:    r.ID,
		Event:    "worker_launched",
		WorkerID: w.ID,
		Session:  w.Session,
		Worktree: wtPath,
		State:    string(worker.StateRunning),
	}); err != nil {
		return err
	}
	if err := w.Advance(worker.StateRunning); err != nil {
		return err
	}
	if err := w.Save(m.Store); err != nil {
		return err
	}
	slog.Info("worker launched",
		slog.String("run_id", r.ID),
		slog.String("worker_id", w.ID),
		slog.String("role", string(w.Role)),
		slog.String("session", w.Session))
	return nil
}

// relaunch replaces a failed worker slot with a fresh attempt: a clean
// worktree and a new session. The slot keeps its scripts and output path,
// which is safe because the worktree is recreated at the same path.
func (m *Manager) relaunch(ctx context.Context, r *run.Run, old *worker.Worker) (*worker.Worker, error) {
	fresh := worker.New(r.ID, old.ID, old.Role)
	fresh.RetryCount = old.RetryCount + 1
	fresh.Session = old.Session
	fresh.ScriptPath = old.ScriptPath
	fresh.OutputPath = old.OutputPath
	if err := fresh.Advance(worker.StateLaunching); err != nil {
		return nil, err
	}
	m.Worktrees.Release(r.ID, old.ID) //nolint:errcheck
	wtPath, err := m.Worktrees.Acquire(r.ID, old.ID)
	if err != nil {
		return m.retryOrFail(ctx, r, fresh, "fresh worktree: "+err.Error())
	}
	fresh.WorktreePath = wtPath
	m.Tmux.Kill(ctx, fresh.Session) //nolint:errcheck
	if err := m.Tmux.Create(ctx, fresh.Session, m.Cfg.RepoPath, fresh.ScriptPath); err != nil {
		return m.retryOrFail(ctx, r, fresh, "session creation failed: "+err.Error())
	}
	if err := fresh.Advance(worker.StateRunning); err != nil {
		return nil, err
	}
	if err := fresh.Save(m.Store); err != nil {
		return nil, err
	}
	m.record(r.ID, run.RegistryEntry{
		Event:    "worker_relaunched",
		WorkerID: fresh.ID,
		Session:  fresh.Session,
		Worktree: fresh.WorktreePath,
		State:    string(worker.StateRunning),
	})
	slog.Info("worker relaunched",
		slog.String("run_id", r.ID),
		slog.String("worker_id", fresh.ID),
		slog.Int("retry", fresh.RetryCount))
	return fresh, nil
}

// retryOrFail records a launch failure on a replacement slot and relaunches
// it while budget remains.
func (m *Manager) retryOrFail(ctx context.Context, r *run.Run, w *worker.Worker, reason string) (*worker.Worker, error) {
	if err := w.Fail(reason); err != nil {
		return nil, err
	}
	if err := w.Save(m.Store); err != nil {
		return nil, err
	}
	slog.Warn("worker relaunch failed",
		slog.String("run_id", r.ID),
		slog.String("worker_id", w.ID),
		slog.String("reason", reason))
	if w.Retryable(m.Cfg.RetryBudget) {
		return m.relaunch(ctx, r, w)
	}
	return w, nil
}
