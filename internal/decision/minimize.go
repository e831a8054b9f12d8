package decision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/ilocn/reprobe/internal/command"
	"github.com/ilocn/reprobe/internal/issue"
)

// Minimizer shrinks an accepted candidate while holding it to the same
// validation bar. Two passes: a semantic reduction by the reducer agent,
// then line-level ddmin. Every intermediate script is revalidated; a pass
// that breaks reproduction is rolled back exactly.
type Minimizer struct {
	Validator *Validator
	// ReducerBin is the agent CLI used for semantic reduction. When empty or
	// not installed, the semantic pass is skipped.
	ReducerBin string
	Model      string
	// SemanticOutputPath receives the reducer's raw output.
	SemanticOutputPath string
	// TelemetryPath receives the reducer's event stream when non-empty.
	TelemetryPath string
}

// Minimize returns a copy of the candidate with the smallest script that
// still passes validation. The input candidate must have already passed.
func (m *Minimizer) Minimize(ctx context.Context, c *Candidate, spec *issue.Spec) (*Candidate, error) {
	if c.Validation == nil || !c.Validation.Passed {
		return nil, fmt.Errorf("candidate %s has not passed validation", c.CandidateID)
	}
	current := *c

	if reduced := m.semanticReduce(ctx, current.Script, spec); reduced != "" {
		probe := current
		probe.Script = reduced
		probe.Validation = nil
		probe.Rejection = ""
		if err := m.Validator.Validate(ctx, &probe, spec); err != nil {
			return nil, err
		}
		if probe.Validation.Passed {
			current = probe
			slog.Info("semantic reduction kept",
				slog.Int("lines_before", scriptLines(c.Script)),
				slog.Int("lines_after", scriptLines(current.Script)))
		} else {
			slog.Info("semantic reduction discarded, no longer reproduces")
		}
	}

	lines := strings.Split(strings.TrimRight(current.Script, "\n"), "\n")
	minimized := ddmin(lines, func(trial []string) bool {
		probe := current
		probe.Script = strings.TrimSpace(strings.Join(trial, "\n")) + "\n"
		probe.Validation = nil
		probe.Rejection = ""
		if err := m.Validator.Validate(ctx, &probe, spec); err != nil {
			return false
		}
		return probe.Validation.Passed
	})

	final := current
	final.Script = strings.TrimSpace(strings.Join(minimized, "\n")) + "\n"
	final.Validation = nil
	final.Rejection = ""
	if err := m.Validator.Validate(ctx, &final, spec); err != nil {
		return nil, err
	}
	if !final.Validation.Passed {
		// The oracle went flaky under us. Fall back to the last script that
		// was actually observed passing.
		slog.Warn("minimized script failed final validation, keeping previous")
		return &current, nil
	}
	return &final, nil
}

// semanticReduce asks the reducer agent for a smaller script. Any failure
// (binary absent, non-zero exit, empty output) degrades to no reduction.
func (m *Minimizer) semanticReduce(ctx context.Context, script string, spec *issue.Spec) string {
	if m.ReducerBin == "" {
		return ""
	}
	if _, err := exec.LookPath(m.ReducerBin); err != nil {
		slog.Info("reducer not installed, skipping semantic pass",
			slog.String("bin", m.ReducerBin))
		return ""
	}

	var signals []string
	for _, s := range spec.FailureSignals {
		if s.ExceptionType != "" {
			signals = append(signals, s.ExceptionType)
		} else if s.MessageSubstring != "" {
			signals = append(signals, s.MessageSubstring)
		}
	}
	prompt := fmt.Sprintf(
		"You are minimizing a bug reproducer. Return only code.\n"+
			"Goal: preserve the same failure signature and root-cause shape while removing noise.\n"+
			"Issue: %s\n"+
			"Expected signals: %v\n"+
			"Code:\n```python\n%s\n```\n",
		spec.Title, signals, script)

	args := []string{"exec", prompt}
	if strings.TrimSpace(m.Model) != "" {
		args = append(args, "-m", strings.TrimSpace(m.Model))
	}
	args = append(args, "-s", "read-only", "--skip-git-repo-check",
		"-C", m.Validator.RepoPath, "-o", m.SemanticOutputPath, "--json")

	runner := m.Validator.Runner
	if runner == nil {
		runner = &command.Runner{}
	}
	out, err := runner.Run(ctx, m.Validator.RepoPath, m.ReducerBin, args...)
	if m.TelemetryPath != "" && out.Stdout != "" {
		os.WriteFile(m.TelemetryPath, []byte(out.Stdout), 0644) //nolint:errcheck
	}
	if err != nil || out.ExitCode != 0 {
		return ""
	}
	raw, err := os.ReadFile(m.SemanticOutputPath)
	if err != nil {
		return ""
	}
	return extractCodeBlock(string(raw))
}

// extractCodeBlock strips a markdown fence around reducer output, tolerating
// a language tag on the opening fence.
func extractCodeBlock(text string) string {
	stripped := strings.TrimSpace(text)
	if !strings.Contains(stripped, "```") {
		return stripped
	}
	for _, chunk := range strings.Split(stripped, "```") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		if first, rest, found := strings.Cut(chunk, "\n"); found {
			if isAlpha(first) {
				return strings.TrimSpace(rest)
			}
		}
		return chunk
	}
	return stripped
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// ddmin is classic delta-debugging line bisection: remove ever-smaller
// chunks, keeping any removal after which the oracle still reproduces.
func ddmin(lines []string, oracle func([]string) bool) []string {
	if len(lines) == 0 {
		return lines
	}
	n := 2
	current := append([]string(nil), lines...)

	for len(current) >= 2 {
		chunkSize := len(current) / n
		if chunkSize == 0 {
			break
		}
		reduced := false
		for i := 0; i < n; i++ {
			start := i * chunkSize
			end := (i + 1) * chunkSize
			if i == n-1 {
				end = len(current)
			}
			trial := make([]string, 0, len(current)-(end-start))
			trial = append(trial, current[:start]...)
			trial = append(trial, current[end:]...)
			if len(trial) > 0 && oracle(trial) {
				current = trial
				if n > 2 {
					n--
				}
				reduced = true
				break
			}
		}
		if !reduced {
			if n >= len(current) {
				break
			}
			n *= 2
			if n > len(current) {
				n = len(current)
			}
		}
	}
	return current
}
