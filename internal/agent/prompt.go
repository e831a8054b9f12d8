// Package agent builds the prompts and launch scripts for worker sessions.
// Workers are plain agent CLI invocations; everything they need is baked into
// a prompt file and a shell script so a session can be restarted by rerunning
// the same script.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ilocn/reprobe/internal/issue"
)

const reproPromptTemplate = `ROLE: REPRO_BUILDER
TASK: Build a minimal reproducer candidate for this GitHub issue.
OUTPUT FORMAT: JSON only, no markdown.

Required JSON schema:
{
  "candidate_id": "%s-candidate",
  "script": "<full repro script text>",
  "setup_commands": ["<shell command>", "..."],
  "oracle_command": "<shell command; can reference {repro_file} placeholder>",
  "claimed_failure_signature": "<short string that must appear when bug reproduces>",
  "file_extension": "py"
}

Constraints:
- Keep setup_commands minimal and deterministic.
- oracle_command must fail loudly if bug is not reproduced.
- preserve the issue's likely root cause behavior.
- Do not propose codebase edits.

Issue Spec:
%s
`

const triagePromptTemplate = `ROLE: TRIAGER
TASK: Produce triage hypotheses for the bug. Use repository evidence and minimal repro.
OUTPUT FORMAT: JSON only, no markdown.

Required JSON schema:
{
  "hypotheses": [
    {
      "hypothesis_id": "%s-h1",
      "mechanism": "<what fails and why>",
      "evidence": [{"file": "path", "line": 123, "snippet": "code"}],
      "confidence": 0.0,
      "disconfirming_checks": ["<check>"]
    }
  ]
}

Rules:
- confidence must be within [0, 1].
- include at least one evidence row per hypothesis.
- list concrete disconfirming checks.
- no fixes in this phase.

Code search hints:
%s

Minimal repro script:
` + "```text\n%s\n```" + `

Issue Spec:
%s
`

func issueSpecJSON(spec *issue.Spec) string {
	payload := map[string]any{
		"issue_url":                spec.IssueURL,
		"repo_slug":                spec.RepoSlug,
		"issue_number":             spec.IssueNumber,
		"title":                    spec.Title,
		"body":                     spec.Body,
		"labels":                   spec.Labels,
		"expected_failure_signals": spec.FailureSignals,
		"constraints":              spec.Constraints,
		"target_paths":             spec.TargetPaths,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// BuildReproPrompt renders the repro-builder prompt for a worker.
func BuildReproPrompt(spec *issue.Spec, workerID string) string {
	return fmt.Sprintf(reproPromptTemplate, workerID, issueSpecJSON(spec))
}

// BuildTriagePrompt renders the triager prompt. Hints point the agent at
// likely files; the minimal repro gives it a concrete failure to explain.
func BuildTriagePrompt(spec *issue.Spec, workerID, minimalRepro string, hints []string) string {
	hintLines := "- none"
	if len(hints) > 0 {
		var b strings.Builder
		for i, h := range hints {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString("- " + h)
		}
		hintLines = b.String()
	}
	return fmt.Sprintf(triagePromptTemplate, workerID, hintLines, minimalRepro, issueSpecJSON(spec))
}
