package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
)

// newTestParser builds the same kong parser main() uses, with output captured
// and exit suppressed so parse behavior can be asserted directly.
func newTestParser(t *testing.T, cli *CLI, buf *bytes.Buffer) *kong.Kong {
	t.Helper()
	k, err := kong.New(cli,
		kong.Name("reprobe"),
		kong.Description("reprobe — autonomous bug reproduction and triage\n\nTurn a GitHub issue into a validated minimal reproducer and ranked root-cause hypotheses.\n\nUSAGE:  reprobe <command> [arguments]"),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
		kong.Writers(buf, buf),
		kong.Exit(func(int) {}),
		kong.ExplicitGroups([]kong.Group{
			{Key: "runs", Title: "── RUNS ──────────────────────────────────────────────────────────────────────────"},
			{Key: "observe", Title: "── MONITORING ────────────────────────────────────────────────────────────────────"},
			{Key: "maint", Title: "── MAINTENANCE ───────────────────────────────────────────────────────────────────"},
		}),
	)
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	return k
}

func captureHelp(t *testing.T, subcmd ...string) string {
	t.Helper()
	var cli CLI
	var buf bytes.Buffer
	k := newTestParser(t, &cli, &buf)
	_, _ = k.Parse(append(subcmd, "--help"))
	return buf.String()
}

func TestHelpListsAllCommands(t *testing.T) {
	out := captureHelp(t)
	for _, cmd := range []string{"run", "runs", "status", "tail", "send", "stop", "serve", "issue", "version"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("top-level help missing command %q\noutput:\n%s", cmd, out)
		}
	}
}

func TestHelpShowsCommandGroups(t *testing.T) {
	out := captureHelp(t)
	for _, group := range []string{"RUNS", "MONITORING", "MAINTENANCE"} {
		if !strings.Contains(out, group) {
			t.Errorf("top-level help missing group %q", group)
		}
	}
}

func TestRunParsesIssueURLArg(t *testing.T) {
	var cli CLI
	var buf bytes.Buffer
	k := newTestParser(t, &cli, &buf)

	kctx, err := k.Parse([]string{"run", "https://github.com/acme/widget/issues/42", "--web"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := kctx.Command(); got != "run <issue-url>" {
		t.Errorf("Command() = %q, want %q", got, "run <issue-url>")
	}
	if cli.Run.IssueURL != "https://github.com/acme/widget/issues/42" {
		t.Errorf("IssueURL = %q", cli.Run.IssueURL)
	}
	if !cli.Run.Web {
		t.Error("--web flag not set")
	}
}

func TestRunRequiresIssueURL(t *testing.T) {
	var cli CLI
	var buf bytes.Buffer
	k := newTestParser(t, &cli, &buf)

	if _, err := k.Parse([]string{"run"}); err == nil {
		t.Error("parse of bare 'run' should fail: issue-url is required")
	}
}

func TestTailDefaultsToFortyLines(t *testing.T) {
	var cli CLI
	var buf bytes.Buffer
	k := newTestParser(t, &cli, &buf)

	if _, err := k.Parse([]string{"tail", "run-abc", "w2"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cli.Tail.Lines != 40 {
		t.Errorf("Lines default = %d, want 40", cli.Tail.Lines)
	}
	if cli.Tail.RunID != "run-abc" || cli.Tail.WorkerID != "w2" {
		t.Errorf("args = %q/%q", cli.Tail.RunID, cli.Tail.WorkerID)
	}
}

func TestSendParsesAllArgs(t *testing.T) {
	var cli CLI
	var buf bytes.Buffer
	k := newTestParser(t, &cli, &buf)

	if _, err := k.Parse([]string{"send", "run-abc", "w1", "pytest -x"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cli.Send.Text != "pytest -x" {
		t.Errorf("Text = %q", cli.Send.Text)
	}
}

func TestConfigFlagShortForm(t *testing.T) {
	var cli CLI
	var buf bytes.Buffer
	k := newTestParser(t, &cli, &buf)

	if _, err := k.Parse([]string{"-c", "/tmp/reprobe.yaml", "runs"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cli.ConfigPath != "/tmp/reprobe.yaml" {
		t.Errorf("ConfigPath = %q", cli.ConfigPath)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	var cli CLI
	var buf bytes.Buffer
	k := newTestParser(t, &cli, &buf)

	if _, err := k.Parse([]string{"frobnicate"}); err == nil {
		t.Error("parse of unknown command should fail")
	}
}

func TestFmtTime(t *testing.T) {
	if got := fmtTime(0); got != "—" {
		t.Errorf("fmtTime(0) = %q, want em dash placeholder", got)
	}
	got := fmtTime(1700000000)
	if !strings.Contains(got, "2023-11-1") {
		t.Errorf("fmtTime(1700000000) = %q, want a 2023-11 date", got)
	}
	// Records store UnixNano; the same instant in nanoseconds must render
	// identically, not tens of thousands of years out.
	if ns := fmtTime(1700000000 * int64(time.Second)); ns != got {
		t.Errorf("fmtTime(ns) = %q, want %q", ns, got)
	}
}
