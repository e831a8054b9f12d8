package decision

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ilocn/reprobe/internal/artifact"
)

// usageFromJSONL sums token usage from an agent telemetry stream. Only
// turn.completed events carry usage; torn or foreign lines are skipped.
func usageFromJSONL(path string) Usage {
	var u Usage
	data, err := os.ReadFile(path)
	if err != nil {
		return u
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev struct {
			Type  string `json:"type"`
			Usage struct {
				InputTokens       int `json:"input_tokens"`
				CachedInputTokens int `json:"cached_input_tokens"`
				OutputTokens      int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Type != "turn.completed" {
			continue
		}
		u.InputTokens += ev.Usage.InputTokens
		u.CachedInputTokens += ev.Usage.CachedInputTokens
		u.OutputTokens += ev.Usage.OutputTokens
		u.Turns++
	}
	return u
}

func sumUsage(a, b Usage) Usage {
	return Usage{
		InputTokens:       a.InputTokens + b.InputTokens,
		CachedInputTokens: a.CachedInputTokens + b.CachedInputTokens,
		OutputTokens:      a.OutputTokens + b.OutputTokens,
		Turns:             a.Turns + b.Turns,
	}
}

// CollectMetrics aggregates token usage from all telemetry files of a run
// plus the manager's own semantic-reduce stream.
func CollectMetrics(store *artifact.Store, runID string, timing map[string]float64) *Metrics {
	m := &Metrics{
		TimingSec: timing,
		BySource:  map[string]Usage{},
	}
	paths, _ := filepath.Glob(filepath.Join(store.TelemetryDir(runID), "worker-*.jsonl"))
	sort.Strings(paths)
	for _, p := range paths {
		u := usageFromJSONL(p)
		m.BySource[filepath.Base(p)] = u
		m.Workers = sumUsage(m.Workers, u)
	}
	managerPath := filepath.Join(store.TelemetryDir(runID), "manager-semantic-reduce.jsonl")
	if _, err := os.Stat(managerPath); err == nil {
		m.Manager = usageFromJSONL(managerPath)
		m.BySource[filepath.Base(managerPath)] = m.Manager
	}
	m.Total = sumUsage(m.Workers, m.Manager)
	return m
}

// Conclude maps phase results onto the final status. A validated reproducer
// with at least one surviving hypothesis confirms; a reproducer whose triage
// produced no usable hypothesis is inconclusive, with the caveat recorded in
// the reason; no accepted reproducer at all is no_repro.
func Conclude(reproAccepted bool, hypotheses int) (Status, string) {
	switch {
	case reproAccepted && hypotheses > 0:
		return StatusReproConfirmed, "deterministic reproducer validated and minimized"
	case reproAccepted:
		return StatusInconclusive, "deterministic reproducer validated and minimized, but no hypothesis survived evidence filtering"
	default:
		return StatusNoRepro, "no candidate met the acceptance gate"
	}
}

// Synthesize assembles and persists the final decision plus the human
// summary. It is the only writer of decision.json, summary.md, and
// run_result.json.
func Synthesize(store *artifact.Store, d *Decision) error {
	if d.FinalizedAt == 0 {
		d.FinalizedAt = time.Now().UnixNano()
	}
	if err := store.WriteJSON(store.DecisionJSON(d.RunID), d); err != nil {
		return err
	}
	if err := store.WriteFile(store.SummaryMD(d.RunID), []byte(renderSummary(d))); err != nil {
		return err
	}
	return store.WriteJSON(store.RunResultJSON(d.RunID), map[string]any{
		"run_id":       d.RunID,
		"status":       d.Status,
		"needs_human":  d.NeedsHuman,
		"finalized_at": d.FinalizedAt,
	})
}

func renderSummary(d *Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", d.RunID)
	fmt.Fprintf(&b, "- Issue: %s\n", d.IssueURL)
	fmt.Fprintf(&b, "- Status: **%s**\n", d.Status)
	if d.Reason != "" {
		fmt.Fprintf(&b, "- Reason: %s\n", d.Reason)
	}
	if d.NeedsHuman {
		b.WriteString("- Needs human attention\n")
	}
	b.WriteString("\n")

	if d.Selected != nil {
		fmt.Fprintf(&b, "## Minimal reproducer (%s, %d/%d runs)\n\n",
			d.Selected.WorkerID, d.Selected.Validation.Matches, d.Selected.Validation.TotalRuns)
		if d.ReproPath != "" {
			fmt.Fprintf(&b, "Saved at `%s`.\n\n", d.ReproPath)
		}
		fmt.Fprintf(&b, "```%s\n%s```\n\n", d.Selected.FileExtension, ensureTrailingNewline(d.MinimalRepro))
		fmt.Fprintf(&b, "Oracle: `%s`\n\n", d.Selected.OracleCommand)
	}

	if len(d.Hypotheses) > 0 {
		b.WriteString("## Triage hypotheses\n\n")
		for i, h := range d.Hypotheses {
			fmt.Fprintf(&b, "%d. **%s** (confidence %.2f, %s)\n", i+1, h.Mechanism, h.Confidence, h.WorkerID)
			for _, ev := range h.Evidence {
				fmt.Fprintf(&b, "   - `%s:%d`\n", ev.File, ev.Line)
			}
			for _, check := range h.DisconfirmingChecks {
				fmt.Fprintf(&b, "   - Disconfirm: %s\n", check)
			}
		}
		b.WriteString("\n")
	}

	// The first evidence location of each top hypothesis is where a fix
	// attempt should start.
	var targets []string
	for _, h := range d.Hypotheses {
		if len(h.Evidence) > 0 {
			targets = append(targets, fmt.Sprintf("%s:%d", h.Evidence[0].File, h.Evidence[0].Line))
		}
	}
	if len(targets) > 0 {
		b.WriteString("## Suggested next fix targets\n\n")
		for i, target := range targets {
			fmt.Fprintf(&b, "%d. `%s`\n", i+1, target)
		}
		b.WriteString("\n")
	}

	if len(d.Rejected) > 0 {
		b.WriteString("## Rejected candidates\n\n")
		for _, c := range d.Rejected {
			reason := string(c.Rejection)
			if reason == "" {
				reason = "not validated"
			}
			matches := ""
			if c.Validation != nil {
				matches = fmt.Sprintf(" (%d/%d runs)", c.Validation.Matches, c.Validation.TotalRuns)
			}
			fmt.Fprintf(&b, "- %s: %s%s\n", c.WorkerID, reason, matches)
		}
		b.WriteString("\n")
	}

	if d.Metrics != nil {
		b.WriteString("## Metrics\n\n")
		fmt.Fprintf(&b, "- Tokens: %d in / %d out over %d turns\n",
			d.Metrics.Total.InputTokens, d.Metrics.Total.OutputTokens, d.Metrics.Total.Turns)
		keys := make([]string, 0, len(d.Metrics.TimingSec))
		for k := range d.Metrics.TimingSec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %.1fs\n", k, d.Metrics.TimingSec[k])
		}
	}
	return b.String()
}

func ensureTrailingNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
