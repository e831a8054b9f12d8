package manager

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
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

func testManager(t *testing.T, cfg config.Config) *Manager {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	runner := &command.Runner{}
	return &Manager{
		Cfg:    cfg,
		Store:  store,
		Tmux:   tmux.NewSupervisor(runner),
		Runner: runner,
		Worktrees: &worktree.Manager{
			RepoPath: cfg.RepoPath,
			Dir:      t.TempDir(),
		},
		now: time.Now,
	}
}

// fakeTmux puts a scripted tmux on PATH.
func fakeTmux(t *testing.T, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell shim requires a POSIX shell")
	}
	dir := t.TempDir()
	body := "#!/bin/sh\n" + script
	if err := os.WriteFile(filepath.Join(dir, "tmux"), []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestWaveSequence(t *testing.T) {
	t.Parallel()
	cases := []struct {
		min, max int
		want     []int
	}{
		{2, 6, []int{2, 4, 6}},
		{1, 8, []int{1, 4, 6, 8}},
		{4, 4, []int{4}},
		{5, 6, []int{5, 6}},
		{3, 5, []int{3, 4, 5}},
	}
	for _, tc := range cases {
		m := &Manager{Cfg: config.Config{MinWorkers: tc.min, MaxWorkers: tc.max}}
		got := m.waveSequence()
		if len(got) != len(tc.want) {
			t.Errorf("waveSequence(%d,%d) = %v, want %v", tc.min, tc.max, got, tc.want)
			continue
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Errorf("waveSequence(%d,%d) = %v, want %v", tc.min, tc.max, got, tc.want)
				break
			}
		}
	}
}

func TestPreflight_MissingWorkerBin(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerBin = "reprobe-test-no-such-binary"
	cfg.RepoPath = t.TempDir()
	result := Preflight(context.Background(), &command.Runner{}, cfg)
	if result.Passed() {
		t.Fatal("preflight passed with a missing agent binary")
	}
	var found bool
	for _, c := range result.Checks {
		if c.Name == cfg.WorkerBin && !c.Passed {
			found = true
		}
	}
	if !found {
		t.Errorf("checks = %+v", result.Checks)
	}
	if result.Failures() == "" {
		t.Error("Failures() empty for failing preflight")
	}
}

func TestPreflight_RelativeRepoPath(t *testing.T) {
	cfg := config.Default()
	cfg.RepoPath = "relative/path"
	result := Preflight(context.Background(), &command.Runner{}, cfg)
	if result.Passed() {
		t.Fatal("preflight passed with a relative repo path")
	}
}

func TestSupervise_FinishedWhenSessionGoneWithOutput(t *testing.T) {
	fakeTmux(t, `exit 1`) // no server, no sessions
	cfg := config.Default()
	cfg.PollIntervalSec = 1
	m := testManager(t, cfg)
	if err := m.Store.InitRun("run-t"); err != nil {
		t.Fatal(err)
	}
	r := &run.Run{ID: "run-t"}

	w := worker.New("run-t", "w1", worker.RoleReproBuilder)
	w.Session = tmux.SessionName("run-t", "w1")
	w.OutputPath = filepath.Join(t.TempDir(), "w1.json")
	output := `{"script":"import widget","oracle_command":"python {repro_file}","claimed_failure_signature":"KeyError"}`
	if err := os.WriteFile(w.OutputPath, []byte(output), 0644); err != nil {
		t.Fatal(err)
	}
	w.Advance(worker.StateRunning)

	if err := m.supervise(context.Background(), r, []*worker.Worker{w}); err != nil {
		t.Fatal(err)
	}
	if w.State != worker.StateFinished || !w.ProducedOutput {
		t.Errorf("worker = %+v", w)
	}
}

func TestSupervise_MalformedOutputFailsWorker(t *testing.T) {
	fakeTmux(t, `exit 1`) // no server, no sessions
	cfg := config.Default()
	cfg.PollIntervalSec = 1
	m := testManager(t, cfg)
	if err := m.Store.InitRun("run-t"); err != nil {
		t.Fatal(err)
	}
	r := &run.Run{ID: "run-t"}

	// Output exists but does not satisfy the repro-builder schema.
	w := worker.New("run-t", "w1", worker.RoleReproBuilder)
	w.Session = tmux.SessionName("run-t", "w1")
	w.OutputPath = filepath.Join(t.TempDir(), "w1.json")
	if err := os.WriteFile(w.OutputPath, []byte(`{"script":""}`), 0644); err != nil {
		t.Fatal(err)
	}
	w.Advance(worker.StateRunning)

	if err := m.supervise(context.Background(), r, []*worker.Worker{w}); err != nil {
		t.Fatal(err)
	}
	if w.State != worker.StateFailed {
		t.Errorf("state = %s, want failed", w.State)
	}
	if !strings.Contains(w.FailReason, "schema") {
		t.Errorf("FailReason = %q", w.FailReason)
	}
}

func TestSupervise_RetryThenFail(t *testing.T) {
	// Sessions never exist, creates always succeed: every launch dies
	// instantly without output.
	fakeTmux(t, `case "$1" in ls) exit 1 ;; esac`)
	cfg := config.Default()
	cfg.PollIntervalSec = 1
	cfg.RetryBudget = 1
	m := testManager(t, cfg)
	if err := m.Store.InitRun("run-t"); err != nil {
		t.Fatal(err)
	}
	r := &run.Run{ID: "run-t"}

	w := worker.New("run-t", "w1", worker.RoleReproBuilder)
	w.Session = tmux.SessionName("run-t", "w1")
	w.OutputPath = filepath.Join(t.TempDir(), "w1.json")
	w.ScriptPath = filepath.Join(t.TempDir(), "w1.sh")
	w.Advance(worker.StateRunning)

	workers := []*worker.Worker{w}
	if err := m.supervise(context.Background(), r, workers); err != nil {
		t.Fatal(err)
	}
	final := workers[0]
	if final.State != worker.StateFailed {
		t.Errorf("state = %s", final.State)
	}
	if final.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 (one relaunch, then budget exhausted)", final.RetryCount)
	}
}

func TestLaunchWave_FailedSlotDoesNotAbortWave(t *testing.T) {
	fakeTmux(t, `case "$1" in ls) exit 1 ;; esac`)
	cfg := config.Default()
	cfg.RetryBudget = 0
	cfg.RepoPath = t.TempDir() // not a repository: every worktree acquire fails
	m := testManager(t, cfg)
	if err := m.Store.InitRun("run-t"); err != nil {
		t.Fatal(err)
	}
	r := &run.Run{ID: "run-t"}

	workers, err := m.launchWave(context.Background(), r, &issue.Spec{}, worker.RoleReproBuilder, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 2 {
		t.Fatalf("workers = %d, want both slots returned", len(workers))
	}
	for _, w := range workers {
		if w.State != worker.StateFailed {
			t.Errorf("%s state = %s, want failed", w.ID, w.State)
		}
	}
}

func TestRelaunch_FreshWorktree(t *testing.T) {
	fakeTmux(t, ``) // every tmux call succeeds
	repo := t.TempDir()
	if err := worktree.Init(repo); err != nil {
		t.Skipf("git unavailable: %v", err)
	}
	cfg := config.Default()
	cfg.RepoPath = repo
	m := testManager(t, cfg)
	if err := m.Store.InitRun("run-t"); err != nil {
		t.Fatal(err)
	}
	r := &run.Run{ID: "run-t"}

	old := worker.New("run-t", "w1", worker.RoleReproBuilder)
	old.Session = tmux.SessionName("run-t", "w1")
	old.ScriptPath = filepath.Join(t.TempDir(), "w1.sh")
	wtPath, err := m.Worktrees.Acquire("run-t", "w1")
	if err != nil {
		t.Fatal(err)
	}
	old.WorktreePath = wtPath
	// Debris from the failed attempt must not survive into the replacement.
	if err := os.WriteFile(filepath.Join(wtPath, "scratch.txt"), []byte("leftover"), 0644); err != nil {
		t.Fatal(err)
	}
	old.Advance(worker.StateRunning)
	old.Fail("session exited without output")

	fresh, err := m.relaunch(context.Background(), r, old)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.State != worker.StateRunning {
		t.Fatalf("state = %s (%s)", fresh.State, fresh.FailReason)
	}
	if fresh.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", fresh.RetryCount)
	}
	if fresh.WorktreePath != wtPath {
		t.Errorf("worktree moved from %s to %s; scripts reference the old path", wtPath, fresh.WorktreePath)
	}
	if _, err := os.Stat(filepath.Join(fresh.WorktreePath, "scratch.txt")); !os.IsNotExist(err) {
		t.Error("stale file survived the relaunch")
	}
}

func TestSupervise_Timeout(t *testing.T) {
	session := tmux.SessionName("run-t", "w1")
	fakeTmux(t, `case "$1" in
ls) echo `+session+` ;;
capture-pane) echo "same output forever" ;;
esac`)
	cfg := config.Default()
	cfg.PollIntervalSec = 1
	cfg.WorkerTimeoutSec = 0 // deadline already passed
	m := testManager(t, cfg)
	if err := m.Store.InitRun("run-t"); err != nil {
		t.Fatal(err)
	}
	r := &run.Run{ID: "run-t"}

	w := worker.New("run-t", "w1", worker.RoleReproBuilder)
	w.Session = session
	w.OutputPath = filepath.Join(t.TempDir(), "w1.json")
	// Partial output that must be discarded on timeout.
	if err := os.WriteFile(w.OutputPath, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}
	w.Advance(worker.StateRunning)

	if err := m.supervise(context.Background(), r, []*worker.Worker{w}); err != nil {
		t.Fatal(err)
	}
	if w.State != worker.StateTimeout {
		t.Errorf("state = %s", w.State)
	}
	if _, err := os.Stat(w.OutputPath); !os.IsNotExist(err) {
		t.Error("partial output from timed-out worker was kept")
	}
}

func TestStopRun(t *testing.T) {
	fakeTmux(t, `exit 1`)
	cfg := config.Default()
	cfg.StopGraceSec = 1
	m := testManager(t, cfg)

	r, err := run.Create(m.Store, "https://github.com/a/b/issues/1", "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(m.Store); err != nil {
		t.Fatal(err)
	}

	// A worker the stop catches mid-flight must not stay running.
	w := worker.New(r.ID, "w1", worker.RoleReproBuilder)
	w.Session = tmux.SessionName(r.ID, "w1")
	w.Advance(worker.StateRunning)
	if err := w.Save(m.Store); err != nil {
		t.Fatal(err)
	}

	if err := m.StopRun(context.Background(), r.ID); err != nil {
		t.Fatal(err)
	}
	loaded, err := run.Load(m.Store, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State != run.StateStopped {
		t.Errorf("state = %s", loaded.State)
	}
	stoppedWorker, err := worker.Load(m.Store, r.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if stoppedWorker.State != worker.StateFailed {
		t.Errorf("worker state after stop = %s, want failed", stoppedWorker.State)
	}

	// The registry carries the stop and the worker's final state.
	entries, err := run.Registry(m.Store, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	events := map[string]bool{}
	for _, e := range entries {
		events[e.Event] = true
	}
	for _, want := range []string{"run_created", "run_started", "stop_requested", "worker_failed", "run_finalized"} {
		if !events[want] {
			t.Errorf("registry missing %q event; got %v", want, events)
		}
	}

	// Stopping an already stopped run is a no-op.
	if err := m.StopRun(context.Background(), r.ID); err != nil {
		t.Fatalf("repeat stop: %v", err)
	}
}

func TestStopRun_ConflictsWithDone(t *testing.T) {
	fakeTmux(t, `exit 1`)
	m := testManager(t, config.Default())
	r, err := run.Create(m.Store, "https://github.com/a/b/issues/1", "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Finalize(m.Store, run.StateDone, "repro_confirmed"); err != nil {
		t.Fatal(err)
	}
	if err := m.StopRun(context.Background(), r.ID); err == nil {
		t.Fatal("stop of a done run succeeded")
	}
	loaded, err := run.Load(m.Store, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State != run.StateDone {
		t.Errorf("outcome was overwritten: %s", loaded.State)
	}
}

func TestStopRun_MissingRun(t *testing.T) {
	m := testManager(t, config.Default())
	if err := m.StopRun(context.Background(), "run-ghost"); err == nil {
		t.Fatal("stop of a missing run succeeded")
	}
}

// The canonical happy path: two repro builders race, one exits with a
// candidate that validates deterministically, the other hangs until the wave
// deadline. The validated candidate wins, the timed-out worker contributes
// nothing, and with a surviving hypothesis the run concludes repro confirmed.
func TestReproWave_ValidatedCandidateBeatsTimedOutPeer(t *testing.T) {
	s2 := tmux.SessionName("run-t", "w2")
	fakeTmux(t, `case "$1" in
ls) echo `+s2+` ;;
capture-pane) echo "still thinking" ;;
esac`)
	cfg := config.Default()
	cfg.PollIntervalSec = 1
	cfg.WorkerTimeoutSec = 0 // deadline already passed
	cfg.RepoPath = t.TempDir()
	m := testManager(t, cfg)
	if err := m.Store.InitRun("run-t"); err != nil {
		t.Fatal(err)
	}
	r := &run.Run{ID: "run-t"}

	// w1's session is gone and it left a candidate whose oracle fails the
	// same way on every execution.
	w1 := worker.New("run-t", "w1", worker.RoleReproBuilder)
	w1.Session = tmux.SessionName("run-t", "w1")
	w1.OutputPath = m.Store.CandidateOutput("run-t", "w1")
	candidate := `{
		"script": "echo \"KeyError: widget id missing\" >&2\nexit 1\n",
		"oracle_command": "sh {repro_file}",
		"claimed_failure_signature": "KeyError",
		"file_extension": "sh"
	}`
	if err := os.WriteFile(w1.OutputPath, []byte(candidate), 0644); err != nil {
		t.Fatal(err)
	}
	w1.Advance(worker.StateRunning)

	// w2's session stays up with a frozen pane until the deadline.
	w2 := worker.New("run-t", "w2", worker.RoleReproBuilder)
	w2.Session = s2
	w2.OutputPath = filepath.Join(t.TempDir(), "w2.json")
	w2.Advance(worker.StateRunning)

	workers := []*worker.Worker{w1, w2}
	if err := m.supervise(context.Background(), r, workers); err != nil {
		t.Fatal(err)
	}
	if w1.State != worker.StateFinished {
		t.Fatalf("w1 state = %s (%s)", w1.State, w1.FailReason)
	}
	if w2.State != worker.StateTimeout {
		t.Fatalf("w2 state = %s", w2.State)
	}

	spec := &issue.Spec{FailureSignals: []issue.Signal{{ExceptionType: "KeyError"}}}
	validator := &decision.Validator{
		Runner:     m.Runner,
		RepoPath:   cfg.RepoPath,
		ScratchDir: m.Store.CandidatesDir("run-t"),
		Runs:       cfg.ValidationRuns,
		MinMatches: cfg.MinMatches,
	}
	candidates, err := m.collectCandidates(context.Background(), r, workers, spec, validator)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want only the finished worker's", len(candidates))
	}
	best := decision.Choose(candidates)
	if best == nil || best.WorkerID != "w1" {
		t.Fatalf("Choose = %+v, want w1's candidate", best)
	}
	if !best.Validation.Passed || best.Validation.Matches != cfg.ValidationRuns {
		t.Errorf("validation = %+v, want %d/%d", best.Validation, cfg.ValidationRuns, cfg.ValidationRuns)
	}

	// One triager cites real code, so a hypothesis survives filtering and
	// the accepted reproducer concludes the run positively.
	src := filepath.Join(cfg.RepoPath, "loader.py")
	if err := os.WriteFile(src, []byte("import os\n\nwidget_id = cfg[\"widget\"]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	triage := `{"hypotheses": [{"mechanism": "widget id read before defaults applied",
		"confidence": 0.8,
		"evidence": [{"file": "loader.py", "line": 3, "snippet": "cfg[\"widget\"]"}]}]}`
	if err := os.WriteFile(m.Store.TriageOutput("run-t", "w1"), []byte(triage), 0644); err != nil {
		t.Fatal(err)
	}
	hs, err := decision.ParseTriage("w1", m.Store.TriageOutput("run-t", "w1"))
	if err != nil {
		t.Fatal(err)
	}
	ranked := decision.FilterRank(cfg.RepoPath, hs)
	if len(ranked) != 1 {
		t.Fatalf("ranked = %d, want 1", len(ranked))
	}
	status, _ := decision.Conclude(true, len(ranked))
	if status != decision.StatusReproConfirmed {
		t.Errorf("status = %s, want %s", status, decision.StatusReproConfirmed)
	}

	// The registry carries both outcomes.
	entries, err := run.Registry(m.Store, "run-t")
	if err != nil {
		t.Fatal(err)
	}
	events := map[string]bool{}
	for _, e := range entries {
		events[e.Event] = true
	}
	if !events["worker_finished"] || !events["worker_timeout"] {
		t.Errorf("registry events = %v, want worker_finished and worker_timeout", events)
	}
}
