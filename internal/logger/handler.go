package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Pretty is a slog.Handler that produces compact human-readable lines:
//
//	15:04:05.000  INFO   message text  key=val key2="val with spaces"
//
// When color is enabled, ANSI codes are applied to timestamp, level, and
// message.
type Pretty struct {
	opts  slog.HandlerOptions
	w     io.Writer
	color bool
	mu    sync.Mutex
	attrs []slog.Attr
	group string
}

// NewPretty returns a Pretty handler writing to w.
func NewPretty(w io.Writer, opts slog.HandlerOptions, color bool) *Pretty {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	return &Pretty{opts: opts, w: w, color: color}
}

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
	ansiBold  = "\033[1m"

	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiGray   = "\033[90m"
)

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiCyan
	default:
		return ansiGray
	}
}

func (h *Pretty) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Pretty) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	ts := r.Time.Format("15:04:05.000")
	h.write(&buf, ts, ansiDim)
	buf.WriteString("  ")

	h.write(&buf, fmt.Sprintf("%-5s", r.Level.String()), levelColor(r.Level))
	buf.WriteString("  ")

	h.write(&buf, r.Message, ansiBold)

	var all []slog.Attr
	all = append(all, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		all = append(all, a)
		return true
	})
	for _, a := range all {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		buf.WriteByte(' ')
		buf.WriteString(key)
		buf.WriteByte('=')
		buf.WriteString(formatValue(a.Value))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

// write appends s to buf, wrapped in the given ANSI code when color is on.
func (h *Pretty) write(buf *bytes.Buffer, s, code string) {
	if h.color {
		buf.WriteString(code)
		buf.WriteString(s)
		buf.WriteString(ansiReset)
		return
	}
	buf.WriteString(s)
}

func (h *Pretty) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &Pretty{opts: h.opts, w: h.w, color: h.color, attrs: merged, group: h.group}
}

func (h *Pretty) WithGroup(name string) slog.Handler {
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &Pretty{opts: h.opts, w: h.w, color: h.color, attrs: h.attrs, group: g}
}

// formatValue converts a slog.Value to a string, quoting values that contain
// spaces, quotes, or are empty.
func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return maybeQuote(v.String())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format("15:04:05.000")
	case slog.KindGroup:
		var parts []string
		for _, a := range v.Group() {
			parts = append(parts, a.Key+"="+formatValue(a.Value))
		}
		return strings.Join(parts, " ")
	default:
		return maybeQuote(fmt.Sprintf("%v", v.Any()))
	}
}

func maybeQuote(s string) string {
	if needsQuoting(s) {
		return strconv.Quote(s)
	}
	return s
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c == ' ' || c == '"' || c == '=' || c == '\n' || c == '\t' {
			return true
		}
	}
	return false
}
