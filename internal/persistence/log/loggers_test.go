package log

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"handover.ai/internal/sim/handover"
)

func TestEventLogger_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(dir)
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if err := l.Publish(handover.Event{MigrationID: "m1", Phase: handover.PhaseCaptured, Tick: 50, Entities: 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := l.Publish(handover.Event{MigrationID: "m1", Phase: handover.PhaseResumed, Tick: 50, Respawned: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := l.Publish(handover.Event{MigrationID: "m1", Phase: handover.PhaseCompleted, Tick: 50}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Publish(handover.Event{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close err = %v", err)
	}

	first, err := ReadEvents(filepath.Join(dir, "events", "migrations-2026-03-01-10.jsonl.zst"))
	if err != nil {
		t.Fatalf("read hour 10: %v", err)
	}
	if len(first) != 2 || first[0].Entities != 3 || first[1].Phase != handover.PhaseResumed {
		t.Fatalf("hour 10 events: %+v", first)
	}
	second, err := ReadEvents(filepath.Join(dir, "events", "migrations-2026-03-01-11.jsonl.zst"))
	if err != nil {
		t.Fatalf("read hour 11: %v", err)
	}
	if len(second) != 1 || second[0].Phase != handover.PhaseCompleted {
		t.Fatalf("hour 11 events: %+v", second)
	}
}

func TestListEventLogs(t *testing.T) {
	dir := t.TempDir()
	if got, err := ListEventLogs(dir); err != nil || len(got) != 0 {
		t.Fatalf("empty data dir: %v %v", got, err)
	}
	l := NewEventLogger(dir)
	now := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	for i := 0; i < 3; i++ {
		if err := l.Publish(handover.Event{MigrationID: "m", Tick: uint64(i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		now = now.Add(time.Hour)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := ListEventLogs(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"migrations-2026-03-01-23.jsonl.zst", "migrations-2026-03-02-00.jsonl.zst", "migrations-2026-03-02-01.jsonl.zst"}
	if len(got) != len(want) {
		t.Fatalf("segments = %v", got)
	}
	for i := range want {
		if filepath.Base(got[i]) != want[i] {
			t.Fatalf("segment %d = %s, want %s", i, got[i], want[i])
		}
	}
}
