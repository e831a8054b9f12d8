package agent

import (
	"fmt"
	"os"
	"strings"
)

// ExecSpec is everything needed to write a worker launch script.
type ExecSpec struct {
	// Bin is the agent CLI, e.g. "codex".
	Bin string
	// Model is passed with -m when non-empty.
	Model string
	// PromptPath is where the prompt text is written.
	PromptPath string
	// ScriptPath is where the launch script is written.
	ScriptPath string
	// OutputPath is where the agent writes its structured result.
	OutputPath string
	// TelemetryPath, when non-empty, captures the agent's JSON event stream.
	TelemetryPath string
	// WorktreePath is the worker's isolated checkout.
	WorktreePath string
}

// WriteExecScript writes the prompt file and an executable launch script.
// The script is self-contained so a stalled session can be restarted by
// rerunning it.
func WriteExecScript(prompt string, spec ExecSpec) error {
	if err := os.WriteFile(spec.PromptPath, []byte(prompt), 0644); err != nil {
		return fmt.Errorf("writing prompt: %w", err)
	}
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("set -euo pipefail\n")
	fmt.Fprintf(&b, "PROMPT_FILE=%s\n", spec.PromptPath)
	fmt.Fprintf(&b, "OUTPUT_FILE=%s\n", spec.OutputPath)
	if spec.TelemetryPath != "" {
		fmt.Fprintf(&b, "TELEMETRY_FILE=%s\n", spec.TelemetryPath)
	}
	fmt.Fprintf(&b, "cd %s\n", spec.WorktreePath)
	fmt.Fprintf(&b, `%s exec "$(cat "$PROMPT_FILE")" `, spec.Bin)
	if strings.TrimSpace(spec.Model) != "" {
		fmt.Fprintf(&b, "-m %s ", spec.Model)
	}
	fmt.Fprintf(&b, "-s read-only --skip-git-repo-check -C %s -o \"$OUTPUT_FILE\"", spec.WorktreePath)
	if spec.TelemetryPath != "" {
		b.WriteString(` --json > "$TELEMETRY_FILE"`)
	}
	b.WriteString("\n")
	if err := os.WriteFile(spec.ScriptPath, []byte(b.String()), 0755); err != nil {
		return fmt.Errorf("writing launch script: %w", err)
	}
	return nil
}
