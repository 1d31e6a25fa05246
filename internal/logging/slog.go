// Package logging provides a colorized, human-oriented slog.Handler for
// terminal output. Records render as a timestamp, a padded colored
// level, the message, and key=value attributes, with groups flattened
// into dotted key prefixes.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// PrettyHandlerOptions configures a PrettyHandler.
type PrettyHandlerOptions struct {
	// SlogOpts carries the standard handler options; only Level is
	// consulted.
	SlogOpts slog.HandlerOptions

	// TimeFormat is the layout the record timestamp renders with.
	TimeFormat string

	// ShowSource appends the file:line the record was emitted from.
	ShowSource bool

	// NoColor disables ANSI colors, e.g. when writing to a file.
	NoColor bool
}

// DefaultOptions returns the options used when nil is passed to
// NewPrettyHandler: info level, clock-time timestamps, no source.
func DefaultOptions() PrettyHandlerOptions {
	return PrettyHandlerOptions{
		SlogOpts:   slog.HandlerOptions{Level: slog.LevelInfo},
		TimeFormat: time.TimeOnly,
	}
}

// PrettyHandler is a slog.Handler that writes colorized single-line
// records. WithAttrs and WithGroup return copies sharing the same
// writer and lock, so derived loggers serialize output with their
// parent.
type PrettyHandler struct {
	opts   PrettyHandlerOptions
	mu     *sync.Mutex
	w      io.Writer
	attrs  []slog.Attr
	groups []string
}

// NewPrettyHandler builds a PrettyHandler writing to w. A nil opts uses
// DefaultOptions.
func NewPrettyHandler(w io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.TimeFormat == "" {
		o.TimeFormat = time.TimeOnly
	}

	return &PrettyHandler{opts: o, w: w, mu: &sync.Mutex{}}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.SlogOpts.Level != nil {
		minLevel = h.opts.SlogOpts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder

	if !r.Time.IsZero() {
		sb.WriteString(h.paint(color.FgHiBlack, r.Time.Format(h.opts.TimeFormat)))
		sb.WriteByte(' ')
	}

	sb.WriteString(h.levelTag(r.Level))
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.qualify(a))
		return true
	})

	for _, a := range flatten("", attrs) {
		sb.WriteByte(' ')
		sb.WriteString(h.paint(color.FgCyan, a.Key))
		sb.WriteByte('=')
		sb.WriteString(fmt.Sprint(a.Value.Resolve().Any()))
	}

	if h.opts.ShowSource && r.PC != 0 {
		sb.WriteByte(' ')
		sb.WriteString(h.paint(color.FgHiBlack, sourceOf(r.PC)))
	}

	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.qualify(a))
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

// qualify prefixes a's key with the handler's open group path.
func (h *PrettyHandler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return a
	}
	a.Key = strings.Join(h.groups, ".") + "." + a.Key
	return a
}

// flatten expands group-valued attrs into dotted leaf attrs, dropping
// empties. Top-level attr order is preserved; group members sort by key
// so repeated runs render identically.
func flatten(prefix string, attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))

	for _, a := range attrs {
		if a.Equal(slog.Attr{}) {
			continue
		}

		key := a.Key
		if prefix != "" {
			key = prefix + "." + key
		}

		v := a.Value.Resolve()
		if v.Kind() != slog.KindGroup {
			out = append(out, slog.Attr{Key: key, Value: v})
			continue
		}

		members := append([]slog.Attr(nil), v.Group()...)
		sort.Slice(members, func(i, j int) bool { return members[i].Key < members[j].Key })
		out = append(out, flatten(key, members)...)
	}

	return out
}

func (h *PrettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.paint(color.FgRed, "ERRO")
	case level >= slog.LevelWarn:
		return h.paint(color.FgYellow, "WARN")
	case level >= slog.LevelInfo:
		return h.paint(color.FgGreen, "INFO")
	default:
		return h.paint(color.FgMagenta, "DEBU")
	}
}

func (h *PrettyHandler) paint(c color.Attribute, s string) string {
	if h.opts.NoColor {
		return s
	}
	return color.New(c).Sprint(s)
}

func sourceOf(pc uintptr) string {
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}
