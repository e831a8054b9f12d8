// Package artifact owns the on-disk contract for a run: the directory layout
// under the runs root and the atomic read/write discipline every component
// must go through. No other package writes structured files directly, so
// concurrent readers (status server, CLI) never observe a partial write.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned by ReadJSON when the artifact does not exist yet.
var ErrNotFound = errors.New("artifact not found")

// Store is rooted at the runs directory; one subdirectory per run.
type Store struct {
	Root string
}

// NewStore returns a Store rooted at root, creating it if needed.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating runs root: %w", err)
	}
	return &Store{Root: abs}, nil
}

// Path helpers — all run data lives under <root>/<run-id>/.

func (s *Store) RunDir(runID string) string  { return filepath.Join(s.Root, runID) }
func (s *Store) RunJSON(id string) string    { return filepath.Join(s.RunDir(id), "run.json") }
func (s *Store) IssueJSON(id string) string  { return filepath.Join(s.RunDir(id), "issue.json") }
func (s *Store) Registry(id string) string   { return filepath.Join(s.RunDir(id), "registry.jsonl") }
func (s *Store) WorkersDir(id string) string { return filepath.Join(s.RunDir(id), "workers") }
func (s *Store) PromptsDir(id string) string { return filepath.Join(s.RunDir(id), "prompts") }
func (s *Store) ScriptsDir(id string) string { return filepath.Join(s.RunDir(id), "scripts") }
func (s *Store) ReproDir(id string) string   { return filepath.Join(s.RunDir(id), "repro") }
func (s *Store) TriageDir(id string) string  { return filepath.Join(s.RunDir(id), "triage") }
func (s *Store) DecisionJSON(id string) string {
	return filepath.Join(s.RunDir(id), "decision.json")
}
func (s *Store) SummaryMD(id string) string { return filepath.Join(s.RunDir(id), "summary.md") }
func (s *Store) RunResultJSON(id string) string {
	return filepath.Join(s.RunDir(id), "run_result.json")
}
func (s *Store) TelemetryDir(id string) string {
	return filepath.Join(s.RunDir(id), "telemetry")
}
func (s *Store) CandidatesDir(id string) string {
	return filepath.Join(s.ReproDir(id), "candidates")
}
func (s *Store) WorkerJSON(runID, workerID string) string {
	return filepath.Join(s.WorkersDir(runID), workerID+".json")
}
func (s *Store) CandidateOutput(runID, workerID string) string {
	return filepath.Join(s.CandidatesDir(runID), workerID+".json")
}
func (s *Store) TriageOutput(runID, workerID string) string {
	return filepath.Join(s.TriageDir(runID), workerID+".json")
}
func (s *Store) HypothesesJSON(runID string) string {
	return filepath.Join(s.TriageDir(runID), "hypotheses.json")
}
func (s *Store) SelectedCandidateJSON(runID string) string {
	return filepath.Join(s.ReproDir(runID), "selected_candidate.json")
}

// MinimalRepro returns the path for the promoted minimal reproducer with the
// candidate's file extension.
func (s *Store) MinimalRepro(runID, ext string) string {
	if ext == "" {
		ext = "txt"
	}
	return filepath.Join(s.ReproDir(runID), "minimal_repro."+ext)
}

// InitRun creates the artifact skeleton for a run. It fails if the run
// directory already exists, which is how run-id collisions are detected.
func (s *Store) InitRun(runID string) error {
	dir := s.RunDir(runID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("run %s already exists at %s", runID, dir)
	}
	dirs := []string{
		dir,
		s.WorkersDir(runID),
		s.PromptsDir(runID),
		s.ScriptsDir(runID),
		s.CandidatesDir(runID),
		s.TriageDir(runID),
		s.TelemetryDir(runID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	// Empty registry so external readers can tail it from the start.
	f, err := os.OpenFile(s.Registry(runID), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Exists reports whether the run directory is present.
func (s *Store) Exists(runID string) bool {
	_, err := os.Stat(s.RunDir(runID))
	return err == nil
}

// ListRuns returns all run IDs under the root, oldest first. IDs are
// time-sortable, so lexicographic order is temporal order.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "run-") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// WriteJSON marshals v with indentation and writes it atomically.
func (s *Store) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.WriteFile(path, append(data, '\n'))
}

// ReadJSON unmarshals the artifact at path into v. Returns ErrNotFound when
// the file does not exist.
func (s *Store) ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed artifact %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteFile writes data atomically: temp file in the destination directory,
// then rename. Readers see either the old content or the new, never a mix.
func (s *Store) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AppendLine appends one line to an append-only artifact (the session
// registry). Appends of a single short line are atomic at the OS level.
func (s *Store) AppendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return err
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

// ReadLines returns the lines of an append-only artifact, skipping blanks.
func (s *Store) ReadLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
