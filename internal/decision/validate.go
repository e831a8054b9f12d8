package decision

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ilocn/reprobe/internal/command"
	"github.com/ilocn/reprobe/internal/issue"
)

// reproFilePlaceholder in setup and oracle commands is replaced with the
// path of the candidate script on disk.
const reproFilePlaceholder = "{repro_file}"

// Validator executes candidate oracles against the repository.
type Validator struct {
	Runner   *command.Runner
	RepoPath string
	// ScratchDir is where candidate scripts are materialized for execution.
	ScratchDir string
	// Runs and MinMatches define the determinism bar.
	Runs       int
	MinMatches int
}

func (v *Validator) runs() int {
	if v.Runs <= 0 {
		return 5
	}
	return v.Runs
}

func (v *Validator) minMatches() int {
	m := v.MinMatches
	if m <= 0 {
		m = 4
	}
	if m > v.runs() {
		m = v.runs()
	}
	return m
}

// signatureMatches accepts an oracle execution when its output contains the
// claimed signature, case-insensitively, or any expected signal from the
// issue matches the observed output and exit code.
func signatureMatches(output string, exitCode int, claimed string, signals []issue.Signal) bool {
	if strings.Contains(strings.ToLower(output), strings.ToLower(claimed)) {
		return true
	}
	for _, s := range signals {
		if s.Matches(output, exitCode) {
			return true
		}
	}
	return false
}

// Validate executes a candidate's setup once and its oracle Runs times,
// counting executions that exhibit the claimed failure. The candidate's
// Validation and Rejection fields are filled in place.
func (v *Validator) Validate(ctx context.Context, c *Candidate, spec *issue.Spec) error {
	scriptPath := filepath.Join(v.ScratchDir, c.WorkerID+"-candidate."+c.FileExtension)
	if err := os.MkdirAll(v.ScratchDir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(scriptPath, []byte(c.Script), 0644); err != nil {
		return err
	}

	val := &Validation{
		TotalRuns:        v.runs(),
		MatchedSignature: c.ClaimedSignature,
	}
	c.Validation = val

	for _, setup := range c.SetupCommands {
		rendered := strings.ReplaceAll(setup, reproFilePlaceholder, scriptPath)
		out, err := v.Runner.Shell(ctx, v.RepoPath, rendered)
		if err != nil {
			return err
		}
		if out.ExitCode != 0 {
			c.Rejection = RejectExecutionError
			slog.Debug("candidate setup failed",
				slog.String("worker_id", c.WorkerID),
				slog.String("command", rendered),
				slog.Int("exit_code", out.ExitCode))
			return nil
		}
	}

	oracle := strings.ReplaceAll(c.OracleCommand, reproFilePlaceholder, scriptPath)
	for i := 0; i < v.runs(); i++ {
		out, err := v.Runner.Shell(ctx, v.RepoPath, oracle)
		if err != nil {
			return err
		}
		if signatureMatches(out.Stdout+"\n"+out.Stderr, out.ExitCode, c.ClaimedSignature, spec.FailureSignals) {
			val.Matches++
		}
	}

	switch {
	case val.Matches >= v.minMatches():
		val.Passed = true
	case val.Matches == 0:
		c.Rejection = RejectNonReproducing
	default:
		c.Rejection = RejectFlaky
	}
	return nil
}

// ValidateAll validates candidates in parallel. Each candidate gets its own
// script path so oracles never race on shared files. The slice is mutated in
// place; the first execution-infrastructure error aborts the rest.
func (v *Validator) ValidateAll(ctx context.Context, candidates []*Candidate, spec *issue.Spec) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if err := v.Validate(ctx, c, spec); err != nil {
				return err
			}
			slog.Info("candidate validated",
				slog.String("worker_id", c.WorkerID),
				slog.Bool("passed", c.Validation.Passed),
				slog.Int("matches", c.Validation.Matches),
				slog.Int("total_runs", c.Validation.TotalRuns))
			return nil
		})
	}
	return g.Wait()
}
