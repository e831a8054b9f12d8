package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// dynamicWriter forwards writes to os.Stderr and optionally to a secondary
// writer (the status server's log buffer). Safe for concurrent use.
type dynamicWriter struct {
	mu     sync.RWMutex
	second io.Writer
}

func (dw *dynamicWriter) Write(p []byte) (int, error) {
	n, err := os.Stderr.Write(p)
	dw.mu.RLock()
	second := dw.second
	dw.mu.RUnlock()
	if second != nil {
		second.Write(p) //nolint:errcheck
	}
	return n, err
}

var gw = &dynamicWriter{}

// Init installs the global slog logger. Level comes from LOG_LEVEL
// (debug/info/warn/error; default info). When stderr is a terminal the pretty
// human-readable handler is used; otherwise plain text. Call once early in
// main before any logging occurs.
func Init() {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	opts := slog.HandlerOptions{Level: level}

	var h slog.Handler
	if stderrIsTerminal() {
		h = NewPretty(gw, opts, true)
	} else {
		h = slog.NewTextHandler(gw, &opts)
	}
	slog.SetDefault(slog.New(h))
}

// SetLogBuf adds a secondary write target so log output is also sent to w
// (typically a *logbuf.LogBuf). Pass nil to clear.
func SetLogBuf(w io.Writer) {
	gw.mu.Lock()
	gw.second = w
	gw.mu.Unlock()
}

// stderrIsTerminal reports whether stderr is a character device. Respects
// NO_COLOR and TERM=dumb per clig.dev guidelines.
func stderrIsTerminal() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
