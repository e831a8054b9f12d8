package logbuf

import (
	"strings"
	"sync"
)

// LogBuf is a ring buffer of log lines with pub/sub support. It implements
// io.Writer so it can sit behind the slog handler as a secondary sink for the
// status server.
type LogBuf struct {
	mu    sync.Mutex
	lines []string
	max   int
	subs  []chan string
}

// New creates a LogBuf holding at most max lines.
func New(max int) *LogBuf {
	return &LogBuf{max: max}
}

// Write implements io.Writer. It splits p on newlines, appends each complete
// line to the ring, and notifies subscribers. A slow subscriber never blocks
// the writer: lines are dropped when its channel is full.
func (lb *LogBuf) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	parts := strings.Split(string(p), "\n")
	// Everything except the last element is a complete line (the last may be
	// empty or a partial line).
	for _, line := range parts[:len(parts)-1] {
		if line == "" {
			continue
		}
		lb.lines = append(lb.lines, line)
		if len(lb.lines) > lb.max {
			lb.lines = lb.lines[len(lb.lines)-lb.max:]
		}
		for _, ch := range lb.subs {
			select {
			case ch <- line:
			default:
			}
		}
	}
	return len(p), nil
}

// Subscribe returns a buffered channel receiving new lines as they arrive.
func (lb *LogBuf) Subscribe() chan string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	ch := make(chan string, 256)
	lb.subs = append(lb.subs, ch)
	return ch
}

// Unsubscribe removes a previously subscribed channel.
func (lb *LogBuf) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	for i, s := range lb.subs {
		if s == ch {
			lb.subs = append(lb.subs[:i], lb.subs[i+1:]...)
			return
		}
	}
}

// Lines returns a snapshot of the currently buffered lines.
func (lb *LogBuf) Lines() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]string, len(lb.lines))
	copy(out, lb.lines)
	return out
}
