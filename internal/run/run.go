// Package run owns the lifecycle of a single run: its identity, its state
// progression, and the registry entry that makes its sessions discoverable
// after a crash. A run ends in exactly one of done, stopped, or failed, and
// once there its outcome never changes.
package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ilocn/reprobe/internal/artifact"
	"github.com/ilocn/reprobe/internal/idgen"
)

// State is a run lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateFinalizing   State = "finalizing"
	StateDone         State = "done"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// Terminal reports whether s is a final outcome.
func (s State) Terminal() bool {
	return s == StateDone || s == StateStopped || s == StateFailed
}

// ErrTerminal is returned when a finalize attempt conflicts with an already
// recorded terminal outcome.
var ErrTerminal = errors.New("run already finalized with a different outcome")

// Run is the persisted run record, stored as run.json.
type Run struct {
	ID       string `json:"id"`
	IssueURL string `json:"issue_url"`
	RepoPath string `json:"repo_path"`
	State    State  `json:"state"`
	// Reason explains stopped and failed outcomes.
	Reason    string `json:"reason,omitempty"`
	CreatedAt int64  `json:"created_at"`
	EndedAt   int64  `json:"ended_at,omitempty"`
}

// RegistryEntry is one line of registry.jsonl: lifecycle and supervision
// events plus enough session topology to find, watch, or kill a run's
// sessions without loading the full run record.
type RegistryEntry struct {
	RunID     string `json:"run_id"`
	Event     string `json:"event,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	Session   string `json:"session,omitempty"`
	Worktree  string `json:"worktree,omitempty"`
	State     string `json:"state,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Create allocates a run ID, claims its artifact directory, and persists the
// initial record. The directory claim doubles as the collision check; on the
// rare ID collision a fresh ID is drawn.
func Create(store *artifact.Store, issueURL, repoPath string) (*Run, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		id := idgen.New("run")
		if err := store.InitRun(id); err != nil {
			lastErr = err
			continue
		}
		r := &Run{
			ID:        id,
			IssueURL:  issueURL,
			RepoPath:  repoPath,
			State:     StateInitializing,
			CreatedAt: time.Now().UnixNano(),
		}
		if err := r.Save(store); err != nil {
			return nil, err
		}
		if err := Register(store, RegistryEntry{RunID: id, Event: "run_created"}); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("allocating run id: %w", lastErr)
}

// Save persists the run record atomically.
func (r *Run) Save(store *artifact.Store) error {
	return store.WriteJSON(store.RunJSON(r.ID), r)
}

// Load reads a run record.
func Load(store *artifact.Store, runID string) (*Run, error) {
	var r Run
	if err := store.ReadJSON(store.RunJSON(runID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Start moves the run from initializing to running.
func (r *Run) Start(store *artifact.Store) error {
	if r.State != StateInitializing {
		return fmt.Errorf("run %s is %s, cannot start", r.ID, r.State)
	}
	r.State = StateRunning
	if err := r.Save(store); err != nil {
		return err
	}
	return Register(store, RegistryEntry{RunID: r.ID, Event: "run_started", State: string(StateRunning)})
}

// BeginFinalize moves a running run to finalizing. Already finalizing or
// terminal runs are left alone.
func (r *Run) BeginFinalize(store *artifact.Store) error {
	if r.State.Terminal() || r.State == StateFinalizing {
		return nil
	}
	r.State = StateFinalizing
	return r.Save(store)
}

// Finalize records the run's terminal outcome. Finalizing to the outcome the
// run already has is a no-op; finalizing to a different outcome after the
// run is terminal returns ErrTerminal and leaves the record untouched.
func (r *Run) Finalize(store *artifact.Store, outcome State, reason string) error {
	if !outcome.Terminal() {
		return fmt.Errorf("%s is not a terminal state", outcome)
	}
	if r.State.Terminal() {
		if r.State == outcome {
			return nil
		}
		return fmt.Errorf("run %s is already %s, refusing %s: %w", r.ID, r.State, outcome, ErrTerminal)
	}
	r.State = outcome
	r.Reason = reason
	r.EndedAt = time.Now().UnixNano()
	if err := r.Save(store); err != nil {
		return err
	}
	return Register(store, RegistryEntry{RunID: r.ID, Event: "run_finalized", State: string(outcome), Detail: reason})
}

// Register appends a session record to the run's append-only registry.
func Register(store *artifact.Store, entry RegistryEntry) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixNano()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return store.AppendLine(store.Registry(entry.RunID), data)
}

// Registry reads all session records for a run. Malformed lines are skipped
// so a torn write at crash time cannot make the whole registry unreadable.
func Registry(store *artifact.Store, runID string) ([]RegistryEntry, error) {
	lines, err := store.ReadLines(store.Registry(runID))
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var entries []RegistryEntry
	for _, line := range lines {
		var e RegistryEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
