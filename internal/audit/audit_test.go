package audit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemorySinkRecentFiltersAndOrders(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec := Record{
			RecordID:   fmt.Sprintf("r%d", i),
			SessionID:  "s1",
			PlanID:     "p1",
			Domain:     "light",
			Service:    "turn_on",
			Outcome:    OutcomeSucceeded,
			RecordedAt: time.Now().UTC(),
		}
		if err := sink.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := sink.Append(ctx, Record{RecordID: "other", SessionID: "s2", Outcome: OutcomeFailed}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := sink.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].RecordID != "r2" || records[1].RecordID != "r3" {
		t.Fatalf("records not chronological: %s, %s", records[0].RecordID, records[1].RecordID)
	}
	for _, rec := range records {
		if rec.SessionID != "s1" {
			t.Fatalf("record from session %s leaked into s1 view", rec.SessionID)
		}
	}
}

func TestMemorySinkRecentAllSessions(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	if err := sink.Append(ctx, Record{RecordID: "a", SessionID: "s1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := sink.Append(ctx, Record{RecordID: "b", SessionID: "s2"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := sink.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
}
