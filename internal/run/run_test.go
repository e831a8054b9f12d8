package run

import (
	"errors"
	"strings"
	"testing"

	"github.com/ilocn/reprobe/internal/artifact"
)

func newStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestCreate(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r, err := Create(store, "https://github.com/a/b/issues/1", "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(r.ID, "run-") {
		t.Errorf("ID = %q", r.ID)
	}
	if r.State != StateInitializing {
		t.Errorf("State = %s", r.State)
	}
	if !store.Exists(r.ID) {
		t.Error("run directory not claimed")
	}
	loaded, err := Load(store, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.IssueURL != r.IssueURL || loaded.State != r.State {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r, err := Create(store, "https://github.com/a/b/issues/1", "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(store); err != nil {
		t.Fatal(err)
	}
	if r.State != StateRunning {
		t.Errorf("State = %s", r.State)
	}
	// Starting twice is an error.
	if err := r.Start(store); err == nil {
		t.Error("second Start accepted")
	}
	if err := r.BeginFinalize(store); err != nil {
		t.Fatal(err)
	}
	if r.State != StateFinalizing {
		t.Errorf("State = %s", r.State)
	}
	if err := r.Finalize(store, StateDone, "repro_confirmed"); err != nil {
		t.Fatal(err)
	}
	if r.EndedAt == 0 {
		t.Error("EndedAt not set")
	}

	// Every lifecycle transition leaves a registry event behind.
	entries, err := Registry(store, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	var events []string
	for _, e := range entries {
		events = append(events, e.Event)
	}
	want := []string{"run_created", "run_started", "run_finalized"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
	last := entries[len(entries)-1]
	if last.State != string(StateDone) || last.Detail != "repro_confirmed" {
		t.Errorf("final entry = %+v", last)
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r, err := Create(store, "https://github.com/a/b/issues/1", "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Finalize(store, StateFailed, "preflight failed"); err != nil {
		t.Fatal(err)
	}
	ended := r.EndedAt

	// Same outcome again is a no-op.
	if err := r.Finalize(store, StateFailed, "different reason"); err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if r.Reason != "preflight failed" || r.EndedAt != ended {
		t.Error("repeat finalize mutated the record")
	}

	// A conflicting outcome is rejected.
	err = r.Finalize(store, StateDone, "")
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("want ErrTerminal, got %v", err)
	}
	if r.State != StateFailed {
		t.Errorf("State mutated to %s", r.State)
	}
}

func TestFinalize_RejectsNonTerminal(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r, err := Create(store, "https://github.com/a/b/issues/1", "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Finalize(store, StateRunning, ""); err == nil {
		t.Fatal("non-terminal outcome accepted")
	}
}

func TestRegistry_AppendAndRead(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r, err := Create(store, "https://github.com/a/b/issues/1", "/repo")
	if err != nil {
		t.Fatal(err)
	}
	for _, wid := range []string{"w1", "w2"} {
		err := Register(store, RegistryEntry{
			RunID:    r.ID,
			WorkerID: wid,
			Session:  "reprobe-" + r.ID + "-" + wid,
			Worktree: "/wt/" + wid,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	entries, err := Registry(store, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Create already left its own event behind.
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Event != "run_created" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].WorkerID != "w1" || entries[2].WorkerID != "w2" {
		t.Errorf("order = %+v", entries)
	}
	if entries[1].CreatedAt == 0 {
		t.Error("CreatedAt not defaulted")
	}
}

func TestRegistry_SkipsTornLine(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	r, err := Create(store, "https://github.com/a/b/issues/1", "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if err := Register(store, RegistryEntry{RunID: r.ID, WorkerID: "w1", Session: "s1"}); err != nil {
		t.Fatal(err)
	}
	// Simulate a torn write at crash time.
	if err := store.AppendLine(store.Registry(r.ID), []byte(`{"run_id": "tru`)); err != nil {
		t.Fatal(err)
	}
	entries, err := Registry(store, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].WorkerID != "w1" {
		t.Errorf("entries = %+v", entries)
	}
}
