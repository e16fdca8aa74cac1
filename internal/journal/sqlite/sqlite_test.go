package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/aidekit/minder/internal/journal"
)

func TestSQLiteJournalRoundTrip(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// Schema creation is idempotent.
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	events := []journal.Record{
		{Name: "aide", Event: journal.EventLaunch, State: "starting", PID: 101, Port: 8000},
		{Name: "aide", Event: journal.EventReady, State: "ready", PID: 101, Port: 8000},
		{Name: "aide", Event: journal.EventExit, State: "restarting", PID: 101, Port: 8000, Detail: "exit status 1"},
	}
	for _, e := range events {
		if err := db.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.Event, err)
		}
	}

	got, err := db.Recent(ctx, "aide", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("recent returned %d records, want 3", len(got))
	}
	// Newest first.
	if got[0].Event != journal.EventExit || got[2].Event != journal.EventLaunch {
		t.Fatalf("unexpected order: %s .. %s", got[0].Event, got[2].Event)
	}
	if got[0].Detail != "exit status 1" {
		t.Fatalf("detail not persisted: %+v", got[0])
	}
	if got[1].Detail != "" {
		t.Fatalf("empty detail should scan as empty string, got %q", got[1].Detail)
	}
	if got[0].CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}

	// Other names are invisible.
	other, err := db.Recent(ctx, "someone-else", 10)
	if err != nil {
		t.Fatalf("recent other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no records for other name, got %d", len(other))
	}
}

func TestSQLiteJournalRecentLimit(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	for i := 0; i < 7; i++ {
		if err := db.Append(ctx, journal.Record{Name: "aide", Event: journal.EventRestart, State: "restarting", PID: i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := db.Recent(ctx, "aide", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("limit ignored: got %d records", len(got))
	}
	if got[0].PID != 6 {
		t.Fatalf("newest record should come first, got PID %d", got[0].PID)
	}
}

func TestSQLiteJournalPurge(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	old := journal.Record{Name: "aide", Event: journal.EventStop, State: "stopped", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := journal.Record{Name: "aide", Event: journal.EventLaunch, State: "starting"}
	if err := db.Append(ctx, old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := db.Append(ctx, fresh); err != nil {
		t.Fatalf("append fresh: %v", err)
	}

	n, err := db.PurgeOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d records, want 1", n)
	}
	got, err := db.Recent(ctx, "aide", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Event != journal.EventLaunch {
		t.Fatalf("wrong survivor: %+v", got)
	}
}

func TestSQLiteEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
