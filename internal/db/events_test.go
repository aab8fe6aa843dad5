package db

import (
	"context"
	"fmt"
	"testing"
)

func TestLogEvent_RecentEventsNewestFirst(t *testing.T) {
	d := openDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := d.LogEvent(ctx, "JOB_UPDATED", fmt.Sprintf("job-%d", i), `{"status":"queued"}`); err != nil {
			t.Fatalf("LogEvent() error = %v", err)
		}
	}

	rows, err := d.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].Subject != "job-2" || rows[1].Subject != "job-1" {
		t.Fatalf("subjects = %q, %q; want job-2, job-1", rows[0].Subject, rows[1].Subject)
	}
	if rows[0].Kind != "JOB_UPDATED" {
		t.Fatalf("kind = %q, want JOB_UPDATED", rows[0].Kind)
	}
}

func TestPruneEvents_KeepsNewest(t *testing.T) {
	d := openDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := d.LogEvent(ctx, "AUTH_CHANGED", fmt.Sprintf("e%d", i), ""); err != nil {
			t.Fatalf("LogEvent() error = %v", err)
		}
	}

	deleted, err := d.PruneEvents(ctx, 2)
	if err != nil {
		t.Fatalf("PruneEvents() error = %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}

	rows, err := d.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(rows) != 2 || rows[0].Subject != "e4" || rows[1].Subject != "e3" {
		t.Fatalf("rows after prune = %+v", rows)
	}
}

func TestNilDB_EventsFail(t *testing.T) {
	var d *DB
	if err := d.LogEvent(context.Background(), "x", "", ""); err == nil {
		t.Fatal("LogEvent on nil DB should fail")
	}
	if _, err := d.RecentEvents(context.Background(), 1); err == nil {
		t.Fatal("RecentEvents on nil DB should fail")
	}
}
