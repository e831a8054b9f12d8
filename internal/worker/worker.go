// Package worker tracks the lifecycle of a single agent worker. State moves
// forward only; once a worker reaches a terminal state no event can move it
// again, so late pane captures or duplicate poll ticks cannot resurrect it.
package worker

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ilocn/reprobe/internal/artifact"
)

// Role is what the worker was asked to do.
type Role string

const (
	RoleReproBuilder Role = "repro_builder"
	RoleTriager      Role = "triager"
)

// State is a worker lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateLaunching State = "launching"
	StateRunning   State = "running"
	StateFinished  State = "finished"
	StateFailed    State = "failed"
	StateTimeout   State = "timeout"
)

// order maps each state to its position in the forward-only progression.
// Terminal states share a rank; transitions between them are rejected.
var order = map[State]int{
	StatePending:   0,
	StateLaunching: 1,
	StateRunning:   2,
	StateFinished:  3,
	StateFailed:    3,
	StateTimeout:   3,
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateTimeout
}

// Worker is the persisted record of one agent worker, stored as
// workers/<id>.json under the run directory.
type Worker struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	Role         Role   `json:"role"`
	State        State  `json:"state"`
	Session      string `json:"session"`
	WorktreePath string `json:"worktree_path"`
	ScriptPath   string `json:"script_path"`
	OutputPath   string `json:"output_path"`

	// RetryCount is how many times this worker slot was relaunched after a
	// pre-output failure.
	RetryCount int `json:"retry_count"`
	// ProducedOutput flips once the worker has written any output artifact.
	// Failures after this point are final, not retryable.
	ProducedOutput bool `json:"produced_output"`

	// Nudged and Restarted record stall-ladder interventions.
	Nudged    bool `json:"nudged"`
	Restarted bool `json:"restarted"`

	// FailReason is set on failed and timeout workers.
	FailReason string `json:"fail_reason,omitempty"`

	CreatedAt  int64 `json:"created_at"`
	LaunchedAt int64 `json:"launched_at,omitempty"`
	EndedAt    int64 `json:"ended_at,omitempty"`
}

// New returns a pending worker.
func New(runID, id string, role Role) *Worker {
	return &Worker{
		ID:        id,
		RunID:     runID,
		Role:      role,
		State:     StatePending,
		CreatedAt: time.Now().UnixNano(),
	}
}

// Advance moves the worker to next. Transitions must be strictly forward; a
// repeat of the current state is a no-op, and any attempt to leave a terminal
// state or move backward is an error.
func (w *Worker) Advance(next State) error {
	if _, ok := order[next]; !ok {
		return fmt.Errorf("worker %s: unknown state %q", w.ID, next)
	}
	if next == w.State {
		return nil
	}
	if w.State.Terminal() {
		return fmt.Errorf("worker %s is %s (terminal), cannot become %s", w.ID, w.State, next)
	}
	if order[next] <= order[w.State] {
		return fmt.Errorf("worker %s cannot move backward from %s to %s", w.ID, w.State, next)
	}
	w.State = next
	now := time.Now().UnixNano()
	switch {
	case next == StateRunning && w.LaunchedAt == 0:
		w.LaunchedAt = now
	case next.Terminal():
		w.EndedAt = now
	}
	return nil
}

// Fail moves the worker to failed with a reason.
func (w *Worker) Fail(reason string) error {
	if err := w.Advance(StateFailed); err != nil {
		return err
	}
	w.FailReason = reason
	return nil
}

// Timeout moves the worker to timeout. Timed-out workers are never retried
// and their partial output is discarded.
func (w *Worker) Timeout() error {
	if err := w.Advance(StateTimeout); err != nil {
		return err
	}
	w.FailReason = "exceeded worker timeout"
	return nil
}

// Retryable reports whether a fresh launch may replace this worker: only
// failed workers that never produced output and still have retry budget.
func (w *Worker) Retryable(budget int) bool {
	return w.State == StateFailed && !w.ProducedOutput && w.RetryCount < budget
}

// Save persists the worker record atomically.
func (w *Worker) Save(store *artifact.Store) error {
	return store.WriteJSON(store.WorkerJSON(w.RunID, w.ID), w)
}

// Load reads a worker record.
func Load(store *artifact.Store, runID, workerID string) (*Worker, error) {
	var w Worker
	if err := store.ReadJSON(store.WorkerJSON(runID, workerID), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// LoadAll reads every worker record for a run, ordered by worker ID.
func LoadAll(store *artifact.Store, runID string) ([]*Worker, error) {
	ids, err := listWorkerIDs(store, runID)
	if err != nil {
		return nil, err
	}
	workers := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		w, err := Load(store, runID, id)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// listWorkerIDs returns worker IDs from the workers/ directory in launch
// order. IDs are w1..wN, so the sort is numeric on the suffix.
func listWorkerIDs(store *artifact.Store, runID string) ([]string, error) {
	entries, err := os.ReadDir(store.WorkersDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ni, _ := strconv.Atoi(strings.TrimPrefix(ids[i], "w"))
		nj, _ := strconv.Atoi(strings.TrimPrefix(ids[j], "w"))
		if ni != nj {
			return ni < nj
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

// Num returns the numeric part of a worker ID, used for deterministic
// tie-breaks. Unparseable IDs sort last.
func Num(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "w"))
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}
