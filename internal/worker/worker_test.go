package worker

import (
	"testing"

	"github.com/ilocn/reprobe/internal/artifact"
)

func TestAdvance_ForwardOnly(t *testing.T) {
	t.Parallel()
	w := New("run-x", "w1", RoleReproBuilder)

	for _, next := range []State{StateLaunching, StateRunning, StateFinished} {
		if err := w.Advance(next); err != nil {
			t.Fatalf("Advance(%s): %v", next, err)
		}
	}
	if w.LaunchedAt == 0 || w.EndedAt == 0 {
		t.Error("timestamps not set on running/terminal transitions")
	}
}

func TestAdvance_RejectsBackward(t *testing.T) {
	t.Parallel()
	w := New("run-x", "w1", RoleReproBuilder)
	if err := w.Advance(StateRunning); err != nil {
		t.Fatal(err)
	}
	if err := w.Advance(StateLaunching); err == nil {
		t.Fatal("backward transition accepted")
	}
	// Repeating the current state is a harmless no-op.
	if err := w.Advance(StateRunning); err != nil {
		t.Fatalf("same-state transition: %v", err)
	}
}

func TestAdvance_TerminalIsAbsorbing(t *testing.T) {
	t.Parallel()
	w := New("run-x", "w1", RoleTriager)
	if err := w.Advance(StateRunning); err != nil {
		t.Fatal(err)
	}
	if err := w.Fail("agent exited early"); err != nil {
		t.Fatal(err)
	}
	for _, next := range []State{StateFinished, StateTimeout, StateRunning} {
		if err := w.Advance(next); err == nil {
			t.Errorf("transition out of failed into %s accepted", next)
		}
	}
	if w.State != StateFailed || w.FailReason != "agent exited early" {
		t.Errorf("worker = %+v", w)
	}
}

func TestAdvance_UnknownState(t *testing.T) {
	t.Parallel()
	w := New("run-x", "w1", RoleReproBuilder)
	if err := w.Advance(State("paused")); err == nil {
		t.Fatal("unknown state accepted")
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	w := New("run-x", "w1", RoleReproBuilder)
	w.Advance(StateRunning)
	w.Fail("session died")
	if !w.Retryable(1) {
		t.Error("pre-output failure inside budget should be retryable")
	}
	w.RetryCount = 1
	if w.Retryable(1) {
		t.Error("exhausted budget should not be retryable")
	}

	// A failure after output was produced is final.
	w2 := New("run-x", "w2", RoleReproBuilder)
	w2.Advance(StateRunning)
	w2.ProducedOutput = true
	w2.Fail("crashed after writing output")
	if w2.Retryable(3) {
		t.Error("post-output failure should not be retryable")
	}

	// Timeouts are never retried.
	w3 := New("run-x", "w3", RoleReproBuilder)
	w3.Advance(StateRunning)
	w3.Timeout()
	if w3.Retryable(3) {
		t.Error("timeout should not be retryable")
	}
}

func TestSaveLoadAll_NumericOrder(t *testing.T) {
	t.Parallel()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.InitRun("run-x"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"w10", "w2", "w1"} {
		if err := New("run-x", id, RoleReproBuilder).Save(store); err != nil {
			t.Fatal(err)
		}
	}
	workers, err := LoadAll(store, "run-x")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, w := range workers {
		got = append(got, w.ID)
	}
	want := []string{"w1", "w2", "w10"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestLoadAll_EmptyRun(t *testing.T) {
	t.Parallel()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	workers, err := LoadAll(store, "run-none")
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 0 {
		t.Errorf("workers = %v", workers)
	}
}
