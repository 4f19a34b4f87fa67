package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/klimit/internal/usage"
	"github.com/rs/zerolog"
)

func appendLines(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		t.Fatalf("Failed to write journal: %v", err)
	}
}

func TestJournalFollowsAppends(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j := NewJournal(path, zerolog.Nop())

	base := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	events, err := j.QueryEvents(ctx, base, base.Add(time.Hour))
	if err != nil || len(events) != 0 {
		t.Fatalf("Expected no events from a missing file, got %v (%v)", events, err)
	}

	appendLines(t, path, `{"ts":"2026-03-01T19:00:00Z","app":"com.example.chat","type":"open"}
{"ts":"2026-03-01T19:00:10Z","app":"com.example.chat","type":"cl`)

	events, err = j.QueryEvents(ctx, base.Add(-time.Second), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != usage.EventOpen {
		t.Fatalf("Expected the complete open line only, got %v", events)
	}
	app, ok, _ := j.ForegroundApp(ctx)
	if !ok || app != "com.example.chat" {
		t.Errorf("Expected chat in foreground, got %q", app)
	}

	appendLines(t, path, "ose\"}\nnot json\n")
	events, err = j.QueryEvents(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != usage.EventClose {
		t.Fatalf("Expected the completed close line, got %v", events)
	}
	if _, ok, _ := j.ForegroundApp(ctx); ok {
		t.Error("Expected no foreground app after close")
	}
}

func TestJournalTruncation(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j := NewJournal(path, zerolog.Nop())

	appendLines(t, path, `{"ts":"2026-03-01T19:00:00Z","app":"com.example.chat","type":"open"}
{"ts":"2026-03-01T19:05:00Z","app":"com.example.chat","type":"close"}
`)
	if _, err := j.QueryEvents(ctx, time.Time{}, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"ts":"2026-03-01T20:00:00Z","app":"com.example.chess","type":"open"}`+"\n"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite journal: %v", err)
	}
	app, ok, err := j.ForegroundApp(ctx)
	if err != nil || !ok || app != "com.example.chess" {
		t.Errorf("Expected chess after truncation, got %q %v %v", app, ok, err)
	}
}

func TestJournalServesLateAppends(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j := NewJournal(path, zerolog.Nop())

	base := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	appendLines(t, path, `{"ts":"2026-03-01T19:00:00Z","app":"com.example.chat","type":"open"}`+"\n")
	events, err := j.QueryEvents(ctx, base.Add(-time.Second), base.Add(200*time.Millisecond))
	if err != nil || len(events) != 1 {
		t.Fatalf("Expected the open, got %v (%v)", events, err)
	}

	// Written after the window that covers its timestamp was queried.
	appendLines(t, path, `{"ts":"2026-03-01T19:00:00.1Z","app":"com.example.chat","type":"close"}`+"\n")
	events, err = j.QueryEvents(ctx, base.Add(200*time.Millisecond), base.Add(400*time.Millisecond))
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != usage.EventClose {
		t.Fatalf("Expected the late close, got %v", events)
	}

	// Served once only.
	events, _ = j.QueryEvents(ctx, time.Time{}, base.Add(time.Hour))
	if len(events) != 0 {
		t.Errorf("Expected nothing left to serve, got %v", events)
	}
}

func TestJournalHoldsFutureEvents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j := NewJournal(path, zerolog.Nop())

	base := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	appendLines(t, path, `{"ts":"2026-03-01T19:00:05Z","app":"com.example.chat","type":"open"}`+"\n")

	events, _ := j.QueryEvents(ctx, base.Add(-time.Second), base)
	if len(events) != 0 {
		t.Fatalf("Expected the open to wait for its time, got %v", events)
	}
	events, _ = j.QueryEvents(ctx, base, base.Add(10*time.Second))
	if len(events) != 1 {
		t.Errorf("Expected the open once its time has come, got %v", events)
	}
}
