// Package manager orchestrates a run end to end: preflight, issue intake,
// waves of repro-builder workers, candidate validation and minimization,
// waves of triager workers, and the final decision. The manager is the only
// component that talks to every other package; workers only ever see their
// own prompt, worktree, and output path.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilocn/reprobe/internal/artifact"
	"github.com/ilocn/reprobe/internal/command"
	"github.com/ilocn/reprobe/internal/config"
	"github.com/ilocn/reprobe/internal/decision"
	"github.com/ilocn/reprobe/internal/issue"
	"github.com/ilocn/reprobe/internal/run"
	"github.com/ilocn/reprobe/internal/tmux"
	"github.com/ilocn/reprobe/internal/worker"
	"github.com/ilocn/reprobe/internal/worktree"
)

// Manager drives runs.
type Manager struct {
	Cfg       config.Config
	Store     *artifact.Store
	Tmux      *tmux.Supervisor
	Worktrees *worktree.Manager
	Runner    *command.Runner
	Fetcher   *issue.Fetcher

	// now is stubbed in tests.
	now func() time.Time
}

// New wires a Manager from configuration.
func New(cfg config.Config) (*Manager, error) {
	store, err := artifact.NewStore(cfg.RunsDir)
	if err != nil {
		return nil, err
	}
	runner := &command.Runner{}
	return &Manager{
		Cfg:    cfg,
		Store:  store,
		Tmux:   tmux.NewSupervisor(runner),
		Runner: runner,
		Worktrees: &worktree.Manager{
			RepoPath: cfg.RepoPath,
			Dir:      filepath.Join(os.TempDir(), "reprobe-worktrees"),
		},
		Fetcher: &issue.Fetcher{Token: cfg.GitHubToken},
		now:     time.Now,
	}, nil
}

// waveSequence is the escalation ladder for worker counts: start small,
// escalate through fixed steps, finish at the hard cap.
func (m *Manager) waveSequence() []int {
	seq := []int{m.Cfg.MinWorkers}
	for _, size := range []int{4, 6} {
		if m.Cfg.MinWorkers < size && size <= m.Cfg.MaxWorkers {
			seq = append(seq, size)
		}
	}
	if seq[len(seq)-1] != m.Cfg.MaxWorkers {
		seq = append(seq, m.Cfg.MaxWorkers)
	}
	return seq
}

// Run executes a full run for one issue and returns its decision. The run
// record always reaches a terminal state, even on infrastructure errors.
func (m *Manager) Run(ctx context.Context, issueURL string) (*decision.Decision, error) {
	r, err := run.Create(m.Store, issueURL, m.Cfg.RepoPath)
	if err != nil {
		return nil, err
	}
	slog.Info("run created",
		slog.String("run_id", r.ID),
		slog.String("issue_url", issueURL))

	d, runErr := m.execute(ctx, r, issueURL)
	if runErr != nil {
		if ferr := r.Finalize(m.Store, run.StateFailed, runErr.Error()); ferr != nil {
			slog.Error("finalize after error failed",
				slog.String("run_id", r.ID), slog.Any("error", ferr))
		}
		return nil, fmt.Errorf("run %s: %w", r.ID, runErr)
	}

	if current, err := run.Load(m.Store, r.ID); err == nil &&
		(current.State == run.StateStopped || current.State == run.StateFinalizing) {
		// A concurrent stop won the race; its outcome stands.
		return d, nil
	}
	if err := r.Finalize(m.Store, run.StateDone, string(d.Status)); err != nil {
		return d, err
	}
	return d, nil
}

// execute runs the phases. Returned errors mean infrastructure failure; a
// negative verdict is a normal decision, not an error.
func (m *Manager) execute(ctx context.Context, r *run.Run, issueURL string) (*decision.Decision, error) {
	started := m.now()
	timing := map[string]float64{}
	mark := func(name string, from time.Time) {
		timing[name] = m.now().Sub(from).Seconds()
	}
	finish := func(d *decision.Decision) (*decision.Decision, error) {
		mark("total", started)
		d.Metrics = decision.CollectMetrics(m.Store, r.ID, timing)
		if err := decision.Synthesize(m.Store, d); err != nil {
			return nil, err
		}
		return d, nil
	}

	preflightStarted := m.now()
	pf := Preflight(ctx, m.Runner, m.Cfg)
	mark("preflight", preflightStarted)
	if !pf.Passed() {
		slog.Error("preflight failed", slog.String("details", pf.Failures()))
		return finish(&decision.Decision{
			RunID:      r.ID,
			IssueURL:   issueURL,
			Status:     decision.StatusInconclusive,
			Reason:     "preflight failed: " + pf.Failures(),
			NeedsHuman: true,
		})
	}

	issueStarted := m.now()
	spec, err := m.Fetcher.Fetch(ctx, issueURL)
	mark("issue_parse", issueStarted)
	if err != nil {
		return finish(&decision.Decision{
			RunID:      r.ID,
			IssueURL:   issueURL,
			Status:     decision.StatusInconclusive,
			Reason:     "issue parsing failed: " + err.Error(),
			NeedsHuman: true,
		})
	}
	if err := m.Store.WriteJSON(m.Store.IssueJSON(r.ID), spec); err != nil {
		return nil, err
	}
	if spec.NeedsHuman() {
		return finish(&decision.Decision{
			RunID:      r.ID,
			IssueURL:   issueURL,
			Status:     decision.StatusInconclusive,
			Reason:     "issue lacks machine-testable failure signals: " + spec.NeedsHumanReason,
			NeedsHuman: true,
		})
	}

	if err := r.Start(m.Store); err != nil {
		return nil, err
	}

	validator := &decision.Validator{
		Runner:     m.Runner,
		RepoPath:   m.Cfg.RepoPath,
		ScratchDir: m.Store.CandidatesDir(r.ID),
		Runs:       m.Cfg.ValidationRuns,
		MinMatches: m.Cfg.MinMatches,
	}

	reproStarted := m.now()
	var candidates []*decision.Candidate
	var reproWorkers []*worker.Worker
	for _, count := range m.waveSequence() {
		if err := m.checkStopped(r); err != nil {
			return finish(m.stoppedDecision(r, issueURL))
		}
		slog.Info("launching repro wave",
			slog.String("run_id", r.ID), slog.Int("workers", count))
		reproWorkers, err = m.launchWave(ctx, r, spec, worker.RoleReproBuilder, count, "")
		if err != nil {
			return nil, err
		}
		if err := m.supervise(ctx, r, reproWorkers); err != nil {
			return nil, err
		}
		candidates, err = m.collectCandidates(ctx, r, reproWorkers, spec, validator)
		if err != nil {
			return nil, err
		}
		if decision.Choose(candidates) != nil {
			break
		}
	}
	m.teardownWave(ctx, r, reproWorkers)

	best := decision.Choose(candidates)
	if best == nil {
		mark("repro_phase", reproStarted)
		return finish(&decision.Decision{
			RunID:    r.ID,
			IssueURL: issueURL,
			Status:   decision.StatusNoRepro,
			Reason: fmt.Sprintf("no deterministic reproducer met the acceptance gate (>=%d/%d runs)",
				m.Cfg.MinMatches, m.Cfg.ValidationRuns),
			Rejected: decision.Rejected(candidates),
		})
	}

	minimizer := &decision.Minimizer{
		Validator:          validator,
		ReducerBin:         m.Cfg.ReducerBin,
		Model:              m.Cfg.WorkerModel,
		SemanticOutputPath: filepath.Join(m.Store.ReproDir(r.ID), "semantic_reduce_output.txt"),
		TelemetryPath:      filepath.Join(m.Store.TelemetryDir(r.ID), "manager-semantic-reduce.jsonl"),
	}
	minimized, err := minimizer.Minimize(ctx, best, spec)
	if err != nil {
		return nil, err
	}
	mark("repro_phase", reproStarted)

	reproPath := m.Store.MinimalRepro(r.ID, minimized.FileExtension)
	if err := m.Store.WriteFile(reproPath, []byte(minimized.Script)); err != nil {
		return nil, err
	}
	if err := m.Store.WriteJSON(m.Store.SelectedCandidateJSON(r.ID), minimized); err != nil {
		return nil, err
	}
	slog.Info("reproducer accepted",
		slog.String("run_id", r.ID),
		slog.String("worker_id", minimized.WorkerID),
		slog.Int("lines", strings.Count(minimized.Script, "\n")))

	triageStarted := m.now()
	var ranked []decision.Hypothesis
	for _, count := range m.waveSequence() {
		if err := m.checkStopped(r); err != nil {
			return finish(m.stoppedDecision(r, issueURL))
		}
		slog.Info("launching triage wave",
			slog.String("run_id", r.ID), slog.Int("workers", count))
		triageWorkers, err := m.launchWave(ctx, r, spec, worker.RoleTriager, count, minimized.Script)
		if err != nil {
			return nil, err
		}
		if err := m.supervise(ctx, r, triageWorkers); err != nil {
			return nil, err
		}
		var all []decision.Hypothesis
		for _, w := range triageWorkers {
			hs, err := decision.ParseTriage(w.ID, m.Store.TriageOutput(r.ID, w.ID))
			if err != nil {
				slog.Warn("triage output unparseable",
					slog.String("worker_id", w.ID), slog.Any("error", err))
				continue
			}
			all = append(all, hs...)
		}
		m.teardownWave(ctx, r, triageWorkers)
		ranked = decision.FilterRank(m.Cfg.RepoPath, all)
		if len(ranked) > 0 || count >= m.Cfg.MaxWorkers {
			break
		}
	}
	mark("triage_phase", triageStarted)

	top := decision.Top(ranked, 3)
	if err := m.Store.WriteJSON(m.Store.HypothesesJSON(r.ID), map[string]any{
		"hypotheses": ranked,
		"top":        top,
	}); err != nil {
		return nil, err
	}

	status, reason := decision.Conclude(true, len(ranked))
	return finish(&decision.Decision{
		RunID:        r.ID,
		IssueURL:     issueURL,
		Status:       status,
		Reason:       reason,
		NeedsHuman:   status == decision.StatusInconclusive,
		Selected:     minimized,
		MinimalRepro: minimized.Script,
		ReproPath:    reproPath,
		Hypotheses:   top,
		Rejected:     decision.Rejected(candidates),
	})
}

// record appends a supervision event to the run registry. Registry writes
// during supervision are best-effort: losing one event must not kill a live
// wave.
func (m *Manager) record(runID string, e run.RegistryEntry) {
	e.RunID = runID
	if err := run.Register(m.Store, e); err != nil {
		slog.Warn("registry append failed",
			slog.String("run_id", runID), slog.Any("error", err))
	}
}

// checkStopped returns an error when a concurrent stop_run has moved the run
// out from under us.
func (m *Manager) checkStopped(r *run.Run) error {
	current, err := run.Load(m.Store, r.ID)
	if err != nil {
		return nil
	}
	if current.State == run.StateStopped || current.State == run.StateFinalizing {
		return fmt.Errorf("run %s stopped", r.ID)
	}
	return nil
}

func (m *Manager) stoppedDecision(r *run.Run, issueURL string) *decision.Decision {
	return &decision.Decision{
		RunID:    r.ID,
		IssueURL: issueURL,
		Status:   decision.StatusInconclusive,
		Reason:   "run was stopped before completion",
	}
}

// collectCandidates parses and validates every repro worker's output.
// Unparseable output becomes a malformed rejected candidate; finished
// workers with no output at all are simply skipped.
func (m *Manager) collectCandidates(ctx context.Context, r *run.Run, workers []*worker.Worker, spec *issue.Spec, validator *decision.Validator) ([]*decision.Candidate, error) {
	var candidates []*decision.Candidate
	for _, w := range workers {
		if w.State == worker.StateTimeout {
			// Partial output from a timed-out worker is not trusted.
			continue
		}
		outputPath := m.Store.CandidateOutput(r.ID, w.ID)
		c, err := decision.ParseCandidate(w.ID, outputPath)
		if err != nil {
			slog.Warn("candidate unparseable",
				slog.String("worker_id", w.ID), slog.Any("error", err))
			candidates = append(candidates, &decision.Candidate{
				WorkerID:  w.ID,
				Rejection: decision.RejectMalformed,
			})
			continue
		}
		if c == nil {
			continue
		}
		candidates = append(candidates, c)
	}

	var toValidate []*decision.Candidate
	for _, c := range candidates {
		if c.Rejection == "" {
			toValidate = append(toValidate, c)
		}
	}
	if err := validator.ValidateAll(ctx, toValidate, spec); err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if err := m.Store.WriteJSON(m.Store.CandidateOutput(r.ID, c.WorkerID), c); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

// teardownWave kills any sessions still up and releases worktrees. Cleanup
// is best-effort; a wave must never leave sessions running.
func (m *Manager) teardownWave(ctx context.Context, r *run.Run, workers []*worker.Worker) {
	for _, w := range workers {
		if w.Session != "" {
			if err := m.Tmux.Kill(ctx, w.Session); err != nil {
				slog.Debug("session kill failed",
					slog.String("session", w.Session), slog.Any("error", err))
			}
		}
		if err := m.Worktrees.Release(r.ID, w.ID); err != nil {
			slog.Warn("worktree release failed",
				slog.String("worker_id", w.ID), slog.Any("error", err))
		}
	}
}
