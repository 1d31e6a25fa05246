package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	opts := DefaultOptions()
	opts.NoColor = true
	opts.SlogOpts.Level = level
	return slog.New(NewPrettyHandler(buf, &opts))
}

func TestHandlerRendersMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf, slog.LevelInfo)

	log.Info("piece stored", "piece", 7, "bytes", 16384)

	out := buf.String()
	for _, want := range []string{"INFO", "piece stored", "piece=7", "bytes=16384"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestHandlerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf, slog.LevelInfo)

	log.Debug("should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("debug record leaked through info level: %q", buf.String())
	}

	log.Warn("should appear")
	if !strings.Contains(buf.String(), "WARN") {
		t.Fatalf("warn record missing: %q", buf.String())
	}
}

func TestHandlerWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf, slog.LevelInfo).With("component", "peer")

	log.WithGroup("conn").Info("connected", "addr", "127.0.0.1:6881")

	out := buf.String()
	if !strings.Contains(out, "component=peer") {
		t.Errorf("bound attr missing: %q", out)
	}
	if !strings.Contains(out, "conn.addr=127.0.0.1:6881") {
		t.Errorf("group-qualified attr missing: %q", out)
	}
}

func TestHandlerFlattensGroupValues(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf, slog.LevelInfo)

	log.Info("snapshot", slog.Group("swarm", slog.Int("active", 3), slog.Int("admitted", 12)))

	out := buf.String()
	if !strings.Contains(out, "swarm.active=3") || !strings.Contains(out, "swarm.admitted=12") {
		t.Errorf("group members not flattened: %q", out)
	}
}
