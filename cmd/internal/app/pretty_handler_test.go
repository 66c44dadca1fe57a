package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyHandlerHandle(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)

	r := slog.NewRecord(time.Date(2026, 1, 2, 13, 14, 15, 0, time.UTC), slog.LevelInfo, "ws.session.start", 0)
	r.AddAttrs(slog.String("identity", "alice"), slog.Int("queue", 256))

	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("handle: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"ts=13:14:15.000", "lvl=INFO", "msg=ws.session.start", "identity=alice", "queue=256"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestPrettyHandlerQuotesAwkwardValues(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	h := newPrettyHandler(&buf, nil, false)

	r := slog.NewRecord(time.Now(), slog.LevelWarn, "relay.drop.backpressure", 0)
	r.AddAttrs(slog.String("reason", "queue full, dropping"))

	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(buf.String(), `reason="queue full, dropping"`) {
		t.Fatalf("value not quoted: %q", buf.String())
	}
}

func TestPrettyHandlerWithAttrsAndGroup(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	base := newPrettyHandler(&buf, nil, false)
	h := base.WithAttrs([]slog.Attr{slog.String("service", "beacon")}).WithGroup("ws")

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "session.end", 0)
	r.AddAttrs(slog.String("code", "1000"))

	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("handle: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "ws.code=1000") {
		t.Fatalf("group prefix missing: %q", out)
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&strings.Builder{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info enabled under a warn floor")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error disabled under a warn floor")
	}
}
