package tmux

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// fakeTmux installs a tmux shim on PATH that logs its arguments and replays
// canned stdout per subcommand.
func fakeTmux(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell shim requires a POSIX shell")
	}
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	body := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n" + script
	if err := os.WriteFile(filepath.Join(dir, "tmux"), []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return logPath
}

func calls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func TestSessionName(t *testing.T) {
	t.Parallel()
	if got := SessionName("run-abc", "w3"); got != "reprobe-run-abc-w3" {
		t.Errorf("SessionName = %q", got)
	}
	if !strings.HasPrefix(SessionName("run-abc", "w3"), RunPrefix("run-abc")) {
		t.Error("session name does not share the run prefix")
	}
}

func TestList_FiltersByPrefix(t *testing.T) {
	log := fakeTmux(t, `case "$1" in
ls) printf 'reprobe-run-a-w1\nreprobe-run-a-w2\nreprobe-run-b-w1\nother\n' ;;
esac`)
	s := NewSupervisor(nil)
	names, err := s.List(context.Background(), RunPrefix("run-a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "reprobe-run-a-w1" || names[1] != "reprobe-run-a-w2" {
		t.Errorf("names = %v", names)
	}
	_ = log
}

func TestList_NoServer(t *testing.T) {
	fakeTmux(t, `exit 1`)
	s := NewSupervisor(nil)
	names, err := s.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if names != nil {
		t.Errorf("want no sessions when server is down, got %v", names)
	}
}

func TestCreate_Args(t *testing.T) {
	log := fakeTmux(t, ``)
	s := NewSupervisor(nil)
	if err := s.Create(context.Background(), "reprobe-run-a-w1", "/tmp/wt", "bash run.sh"); err != nil {
		t.Fatal(err)
	}
	got := calls(t, log)
	want := "new-session -d -s reprobe-run-a-w1 -c /tmp/wt bash run.sh"
	if len(got) != 1 || got[0] != want {
		t.Errorf("calls = %v, want [%s]", got, want)
	}
}

func TestCreateAndSend_SurfaceNonZeroExit(t *testing.T) {
	fakeTmux(t, `exit 1`)
	s := NewSupervisor(nil)
	if err := s.Create(context.Background(), "sess", "/tmp", ""); err == nil {
		t.Error("Create should report a failing tmux invocation")
	}
	if err := s.Send(context.Background(), "sess", "hello"); err == nil {
		t.Error("Send should report a failing tmux invocation")
	}
}

func TestSend_AppendsEnter(t *testing.T) {
	log := fakeTmux(t, ``)
	s := NewSupervisor(nil)
	if err := s.Send(context.Background(), "sess", "continue please"); err != nil {
		t.Fatal(err)
	}
	got := calls(t, log)
	if len(got) != 1 || !strings.HasSuffix(got[0], "C-m") {
		t.Errorf("calls = %v", got)
	}
}

func TestInterrupt_SendsCtrlC(t *testing.T) {
	log := fakeTmux(t, ``)
	s := NewSupervisor(nil)
	if err := s.Interrupt(context.Background(), "sess"); err != nil {
		t.Fatal(err)
	}
	got := calls(t, log)
	want := "send-keys -t sess C-c"
	if len(got) != 1 || got[0] != want {
		t.Errorf("calls = %v, want [%s]", got, want)
	}
}

func TestCapture_GoneSessionIsEmpty(t *testing.T) {
	fakeTmux(t, `case "$1" in capture-pane) exit 1 ;; esac`)
	s := NewSupervisor(nil)
	out, err := s.Capture(context.Background(), "gone", 100)
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("capture of gone session = %q, want empty", out)
	}
}

func TestAttachCommand_Quoting(t *testing.T) {
	t.Parallel()
	if got := AttachCommand("reprobe-run-a-w1"); got != "tmux attach -t reprobe-run-a-w1" {
		t.Errorf("AttachCommand = %q", got)
	}
	if got := AttachCommand("odd name"); got != "tmux attach -t 'odd name'" {
		t.Errorf("AttachCommand = %q", got)
	}
}
