package manager

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/ilocn/reprobe/internal/decision"
	"github.com/ilocn/reprobe/internal/run"
	"github.com/ilocn/reprobe/internal/worker"
)

// watchState is the per-worker stall bookkeeping for one wave. Progress is
// inferred from pane content only; workers emit no events.
type watchState struct {
	lastDigest string
	lastChange time.Time
}

// digestLen bounds how much pane tail feeds the progress digest.
const digestLen = 500

func paneDigest(pane string) string {
	if len(pane) <= digestLen {
		return pane
	}
	return pane[len(pane)-digestLen:]
}

// supervise polls a wave until every worker is terminal. Stalled workers are
// walked up a ladder: a nudge typed into the pane, then a session restart,
// then failure. The wave's wall clock is bounded by the worker timeout;
// workers still alive at the deadline are killed and marked timed out.
func (m *Manager) supervise(ctx context.Context, r *run.Run, workers []*worker.Worker) error {
	watches := make(map[string]*watchState, len(workers))
	for _, w := range workers {
		watches[w.ID] = &watchState{lastChange: m.now()}
	}

	deadline := m.now().Add(m.Cfg.WorkerTimeout())
	ticker := time.NewTicker(m.Cfg.PollInterval())
	defer ticker.Stop()

	for {
		active := 0
		for i, w := range workers {
			if w.State.Terminal() {
				continue
			}
			replacement, err := m.tick(ctx, r, w, watches[w.ID])
			if err != nil {
				return err
			}
			if replacement != nil {
				workers[i] = replacement
				watches[replacement.ID] = &watchState{lastChange: m.now()}
				w = replacement
			}
			if !w.State.Terminal() {
				active++
			}
		}
		if active == 0 {
			return nil
		}

		if m.now().After(deadline) {
			for _, w := range workers {
				if w.State.Terminal() {
					continue
				}
				m.Tmux.Kill(ctx, w.Session) //nolint:errcheck
				// Partial output from this attempt must not reach validation.
				os.Remove(w.OutputPath) //nolint:errcheck
				if err := w.Timeout(); err != nil {
					return err
				}
				if err := w.Save(m.Store); err != nil {
					return err
				}
				m.record(r.ID, run.RegistryEntry{
					Event: "worker_timeout", WorkerID: w.ID,
					State: string(w.State), Detail: w.FailReason,
				})
				slog.Warn("worker timed out",
					slog.String("run_id", r.ID),
					slog.String("worker_id", w.ID))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick inspects one running worker. The returned worker is non-nil when the
// slot was relaunched after a retryable failure.
func (m *Manager) tick(ctx context.Context, r *run.Run, w *worker.Worker, watch *watchState) (*worker.Worker, error) {
	exists, err := m.Tmux.Exists(ctx, w.Session)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(w.OutputPath); err == nil {
		w.ProducedOutput = true
	}

	if !exists {
		// Session ended on its own: finished if it left output that parses
		// against the role schema, failed otherwise.
		if w.ProducedOutput {
			if err := parseGate(w); err != nil {
				if ferr := w.Fail("output failed schema parse: " + err.Error()); ferr != nil {
					return nil, ferr
				}
				if serr := w.Save(m.Store); serr != nil {
					return nil, serr
				}
				m.record(r.ID, run.RegistryEntry{
					Event: "worker_failed", WorkerID: w.ID,
					State: string(w.State), Detail: w.FailReason,
				})
				slog.Warn("worker output unparseable",
					slog.String("run_id", r.ID),
					slog.String("worker_id", w.ID),
					slog.Any("error", err))
				return nil, nil
			}
			if err := w.Advance(worker.StateFinished); err != nil {
				return nil, err
			}
			if err := w.Save(m.Store); err != nil {
				return nil, err
			}
			m.record(r.ID, run.RegistryEntry{
				Event: "worker_finished", WorkerID: w.ID,
				State: string(w.State),
			})
			slog.Info("worker finished",
				slog.String("run_id", r.ID), slog.String("worker_id", w.ID))
			return nil, nil
		}
		if err := w.Fail("session exited without output"); err != nil {
			return nil, err
		}
		if err := w.Save(m.Store); err != nil {
			return nil, err
		}
		m.record(r.ID, run.RegistryEntry{
			Event: "worker_failed", WorkerID: w.ID,
			State: string(w.State), Detail: w.FailReason,
		})
		if w.Retryable(m.Cfg.RetryBudget) {
			return m.relaunch(ctx, r, w)
		}
		slog.Warn("worker failed",
			slog.String("run_id", r.ID),
			slog.String("worker_id", w.ID),
			slog.String("reason", w.FailReason))
		return nil, nil
	}

	pane, err := m.Tmux.Capture(ctx, w.Session, 200)
	if err != nil {
		return nil, err
	}
	digest := paneDigest(pane)
	if digest != watch.lastDigest {
		watch.lastDigest = digest
		watch.lastChange = m.now()
		return nil, nil
	}

	stalledFor := m.now().Sub(watch.lastChange)
	if stalledFor < m.Cfg.StallAfter() {
		return nil, nil
	}

	switch {
	case !w.Nudged:
		if err := m.Tmux.Send(ctx, w.Session, "status update: report progress or current blocker"); err != nil {
			return nil, err
		}
		w.Nudged = true
		watch.lastChange = m.now()
		m.record(r.ID, run.RegistryEntry{
			Event: "worker_nudged", WorkerID: w.ID, Session: w.Session,
		})
		slog.Info("worker nudged",
			slog.String("run_id", r.ID), slog.String("worker_id", w.ID))
	case !w.Restarted:
		m.Tmux.Kill(ctx, w.Session) //nolint:errcheck
		if err := m.Tmux.Create(ctx, w.Session, m.Cfg.RepoPath, w.ScriptPath); err != nil {
			return nil, err
		}
		w.Restarted = true
		watch.lastChange = m.now()
		m.record(r.ID, run.RegistryEntry{
			Event: "worker_restarted", WorkerID: w.ID, Session: w.Session,
		})
		slog.Warn("stalled worker restarted",
			slog.String("run_id", r.ID), slog.String("worker_id", w.ID))
	default:
		m.Tmux.Kill(ctx, w.Session) //nolint:errcheck
		if err := w.Fail("stalled after nudge and restart"); err != nil {
			return nil, err
		}
		m.record(r.ID, run.RegistryEntry{
			Event: "worker_failed", WorkerID: w.ID,
			State: string(w.State), Detail: w.FailReason,
		})
		slog.Warn("stalled worker failed",
			slog.String("run_id", r.ID), slog.String("worker_id", w.ID))
	}
	return nil, w.Save(m.Store)
}

// parseGate checks a worker's output file against the schema its role is
// contracted to produce.
func parseGate(w *worker.Worker) error {
	switch w.Role {
	case worker.RoleTriager:
		_, err := decision.ParseTriage(w.ID, w.OutputPath)
		return err
	default:
		_, err := decision.ParseCandidate(w.ID, w.OutputPath)
		return err
	}
}
