package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/ilocn/reprobe/internal/artifact"
	"github.com/ilocn/reprobe/internal/config"
	"github.com/ilocn/reprobe/internal/decision"
	"github.com/ilocn/reprobe/internal/issue"
	"github.com/ilocn/reprobe/internal/logbuf"
	"github.com/ilocn/reprobe/internal/logger"
	"github.com/ilocn/reprobe/internal/manager"
	"github.com/ilocn/reprobe/internal/run"
	"github.com/ilocn/reprobe/internal/web"
	"github.com/ilocn/reprobe/internal/worker"
)

var version = "dev" // injected via ldflags at build time

// Globals holds shared state injected into Run methods. The manager is built
// lazily so commands that only read artifacts never touch tmux or git.
type Globals struct {
	ConfigPath string `name:"config" short:"c" help:"Path to config file (default: $REPROBE_CONFIG or built-in defaults)."`

	once sync.Once
	cfg  config.Config
	mgr  *manager.Manager
	err  error
}

// Manager lazily loads config and wires the manager on first call.
func (g *Globals) Manager() (*manager.Manager, error) {
	g.once.Do(func() {
		g.cfg, g.err = config.Load(g.ConfigPath)
		if g.err != nil {
			return
		}
		g.mgr, g.err = manager.New(g.cfg)
	})
	return g.mgr, g.err
}

// Config loads configuration without building a manager.
func (g *Globals) Config() (config.Config, error) {
	_, err := g.Manager()
	return g.cfg, err
}

type CLI struct {
	Globals

	Run     RunCmd     `cmd:"" group:"runs"    help:"Reproduce and triage a GitHub issue end-to-end."`
	Runs    RunsCmd    `cmd:"" group:"runs"    help:"List runs."`
	Status  StatusCmd  `cmd:"" group:"observe" help:"Show run status, workers, and decision."`
	Tail    TailCmd    `cmd:"" group:"observe" help:"Print recent pane output of a worker session."`
	Send    SendCmd    `cmd:"" group:"observe" help:"Send a line of input to a live worker session."`
	Stop    StopCmd    `cmd:"" group:"runs"    help:"Stop a running run and tear down its workers."`
	Serve   ServeCmd   `cmd:"" group:"observe" help:"Run the status dashboard."`
	Issue   IssueCmd   `cmd:"" group:"runs"    help:"Fetch and normalize an issue without starting a run."`
	Version VersionCmd `cmd:"" group:"maint"   help:"Print version and platform info."`
}

// ─── run ─────────────────────────────────────────────────────────────────────

type RunCmd struct {
	IssueURL string `arg:"" name:"issue-url" help:"GitHub issue URL (https://github.com/owner/repo/issues/N)."`
	Web      bool   `help:"Also serve the status dashboard while the run is active."`
}

func (c *RunCmd) Run(g *Globals) error {
	mgr, err := g.Manager()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.Web {
		lb := logbuf.New(1000)
		logger.SetLogBuf(lb)
		go func() {
			if err := web.Serve(ctx, mgr.Store, mgr, mgr.Tmux, g.cfg.WebAddr, lb); err != nil {
				fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
			}
		}()
	}

	d, err := mgr.Run(ctx, c.IssueURL)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %s\n", d.RunID, d.Status)
	if d.Reason != "" {
		fmt.Printf("reason: %s\n", d.Reason)
	}
	if d.ReproPath != "" {
		fmt.Printf("repro:  %s\n", d.ReproPath)
	}
	if d.NeedsHuman {
		fmt.Println("needs human attention")
	}
	fmt.Printf("details: %s\n", mgr.Store.SummaryMD(d.RunID))
	return nil
}

// ─── runs ────────────────────────────────────────────────────────────────────

type RunsCmd struct{}

func (c *RunsCmd) Run(g *Globals) error {
	cfg, err := g.Config()
	if err != nil {
		return err
	}
	store, err := artifact.NewStore(cfg.RunsDir)
	if err != nil {
		return err
	}
	ids, err := store.ListRuns()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no runs")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tSTATUS\tISSUE")
	for i := len(ids) - 1; i >= 0; i-- {
		r, err := run.Load(store, ids[i])
		if err != nil {
			continue
		}
		status := "-"
		var d decision.Decision
		if err := store.ReadJSON(store.DecisionJSON(r.ID), &d); err == nil {
			status = string(d.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.State, status, r.IssueURL)
	}
	w.Flush()
	return nil
}

// ─── status ──────────────────────────────────────────────────────────────────

type StatusCmd struct {
	RunID string `arg:"" name:"run-id" help:"Run ID."`
}

func (c *StatusCmd) Run(g *Globals) error {
	cfg, err := g.Config()
	if err != nil {
		return err
	}
	store, err := artifact.NewStore(cfg.RunsDir)
	if err != nil {
		return err
	}
	r, err := run.Load(store, c.RunID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return fmt.Errorf("run not found: %s", c.RunID)
		}
		return err
	}

	fmt.Printf("ID:      %s\n", r.ID)
	fmt.Printf("State:   %s\n", r.State)
	fmt.Printf("Issue:   %s\n", r.IssueURL)
	if r.Reason != "" {
		fmt.Printf("Reason:  %s\n", r.Reason)
	}
	fmt.Printf("Created: %s\n", fmtTime(r.CreatedAt))
	if r.EndedAt != 0 {
		fmt.Printf("Ended:   %s\n", fmtTime(r.EndedAt))
	}

	workers, err := worker.LoadAll(store, c.RunID)
	if err != nil {
		return err
	}
	if len(workers) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WORKER\tROLE\tSTATE\tRETRIES\tREASON")
		for _, wk := range workers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				wk.ID, wk.Role, wk.State, wk.RetryCount, wk.FailReason)
		}
		w.Flush()
	}

	var d decision.Decision
	if err := store.ReadJSON(store.DecisionJSON(c.RunID), &d); err == nil {
		fmt.Println()
		fmt.Printf("Decision: %s\n", d.Status)
		if d.Selected != nil {
			fmt.Printf("Selected: %s (%d/%d matching runs)\n",
				d.Selected.WorkerID, d.Selected.Validation.Matches, d.Selected.Validation.TotalRuns)
		}
		for i, h := range d.Hypotheses {
			fmt.Printf("H%d [%.2f] %s\n", i+1, h.Confidence, h.Mechanism)
		}
	}
	return nil
}

// ─── tail ────────────────────────────────────────────────────────────────────

type TailCmd struct {
	RunID    string `arg:"" name:"run-id"    help:"Run ID."`
	WorkerID string `arg:"" name:"worker-id" help:"Worker ID (e.g. w1)."`
	Lines    int    `default:"40" help:"Number of pane lines to print."`
}

func (c *TailCmd) Run(g *Globals) error {
	mgr, err := g.Manager()
	if err != nil {
		return err
	}
	wk, err := worker.Load(mgr.Store, c.RunID, c.WorkerID)
	if err != nil {
		return fmt.Errorf("worker not found: %s/%s", c.RunID, c.WorkerID)
	}
	out, err := mgr.Tmux.Capture(context.Background(), wk.Session, c.Lines)
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		fmt.Printf("no pane output for %s (session gone?)\n", wk.Session)
		return nil
	}
	fmt.Print(out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Println()
	}
	return nil
}

// ─── send ────────────────────────────────────────────────────────────────────

type SendCmd struct {
	RunID    string `arg:"" name:"run-id"    help:"Run ID."`
	WorkerID string `arg:"" name:"worker-id" help:"Worker ID (e.g. w1)."`
	Text     string `arg:"" help:"Text to send to the session."`
}

func (c *SendCmd) Run(g *Globals) error {
	mgr, err := g.Manager()
	if err != nil {
		return err
	}
	wk, err := worker.Load(mgr.Store, c.RunID, c.WorkerID)
	if err != nil {
		return fmt.Errorf("worker not found: %s/%s", c.RunID, c.WorkerID)
	}
	if err := mgr.Tmux.Send(context.Background(), wk.Session, c.Text); err != nil {
		return err
	}
	fmt.Printf("sent to %s\n", wk.Session)
	return nil
}

// ─── stop ────────────────────────────────────────────────────────────────────

type StopCmd struct {
	RunID string `arg:"" name:"run-id" help:"Run ID."`
}

func (c *StopCmd) Run(g *Globals) error {
	mgr, err := g.Manager()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.StopRun(ctx, c.RunID); err != nil {
		if errors.Is(err, run.ErrTerminal) {
			return fmt.Errorf("run %s already finished: %v", c.RunID, err)
		}
		return err
	}
	fmt.Printf("stopped run %s\n", c.RunID)
	return nil
}

// ─── serve ───────────────────────────────────────────────────────────────────

type ServeCmd struct {
	Addr string `help:"Listen address (default: from config)."`
}

func (c *ServeCmd) Run(g *Globals) error {
	mgr, err := g.Manager()
	if err != nil {
		return err
	}
	addr := c.Addr
	if addr == "" {
		addr = g.cfg.WebAddr
	}

	lb := logbuf.New(1000)
	logger.SetLogBuf(lb)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("reprobe dashboard on http://%s (ctrl+c to exit)\n", addr)
	return web.Serve(ctx, mgr.Store, mgr, mgr.Tmux, addr, lb)
}

// ─── issue ───────────────────────────────────────────────────────────────────

// IssueCmd fetches and normalizes an issue so the extraction can be inspected
// before committing worker time to a run.
type IssueCmd struct {
	URL string `arg:"" help:"GitHub issue URL."`
}

func (c *IssueCmd) Run(g *Globals) error {
	cfg, err := g.Config()
	if err != nil {
		return err
	}
	fetcher := &issue.Fetcher{Token: cfg.GitHubToken}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	spec, err := fetcher.Fetch(ctx, c.URL)
	if err != nil {
		return err
	}

	fmt.Printf("Repo:   %s #%d\n", spec.RepoSlug, spec.IssueNumber)
	fmt.Printf("Title:  %s\n", spec.Title)
	fmt.Printf("Status: %s\n", spec.Status)
	if spec.NeedsHumanReason != "" {
		fmt.Printf("Needs human: %s\n", spec.NeedsHumanReason)
	}
	if len(spec.FailureSignals) > 0 {
		fmt.Println("Signals:")
		for _, s := range spec.FailureSignals {
			switch {
			case s.ExceptionType != "":
				fmt.Printf("  exception: %s\n", s.ExceptionType)
			case s.MessageSubstring != "":
				fmt.Printf("  message:   %q\n", s.MessageSubstring)
			case s.ExitCode != nil:
				fmt.Printf("  exit code: %d\n", *s.ExitCode)
			default:
				fmt.Printf("  pattern:   %s\n", s.RawPattern)
			}
		}
	}
	if len(spec.Constraints) > 0 {
		fmt.Printf("Constraints: %s\n", strings.Join(spec.Constraints, "; "))
	}
	if len(spec.TargetPaths) > 0 {
		fmt.Printf("Paths: %s\n", strings.Join(spec.TargetPaths, ", "))
	}
	return nil
}

// ─── version ─────────────────────────────────────────────────────────────────

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("reprobe %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
	return nil
}

// ─── main ────────────────────────────────────────────────────────────────────

func main() {
	logger.Init()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("reprobe"),
		kong.Description("reprobe — autonomous bug reproduction and triage\n\nTurn a GitHub issue into a validated minimal reproducer and ranked root-cause hypotheses.\n\nUSAGE:  reprobe <command> [arguments]"),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
		kong.ExplicitGroups([]kong.Group{
			{Key: "runs", Title: "── RUNS ──────────────────────────────────────────────────────────────────────────"},
			{Key: "observe", Title: "── MONITORING ────────────────────────────────────────────────────────────────────"},
			{Key: "maint", Title: "── MAINTENANCE ───────────────────────────────────────────────────────────────────"},
		}),
	)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

func fmtTime(ts int64) string {
	if ts == 0 {
		return "—"
	}
	// Detect nanosecond vs second timestamps.
	// Current Unix seconds ~1.7e9; nanoseconds ~1.7e18.
	// Values > 1e12 are nanoseconds.
	var t time.Time
	if ts > 1_000_000_000_000 {
		t = time.Unix(0, ts)
	} else {
		t = time.Unix(ts, 0)
	}
	return t.Format("2006-01-02 15:04:05")
}
