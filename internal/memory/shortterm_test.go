package memory

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func appendTurns(t *testing.T, store ShortTermStore, sessionID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		turn := DialogTurn{
			TurnID:     fmt.Sprintf("turn-%d", i),
			SessionID:  sessionID,
			Seq:        int64(i),
			Role:       RoleUser,
			Content:    fmt.Sprintf("utterance %d", i),
			MemoryType: TypeConversation,
			Importance: ImportanceLow,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.Append(context.Background(), turn); err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
	}
}

func TestInMemoryShortTermWindowEviction(t *testing.T) {
	store := NewInMemoryShortTerm(5)
	appendTurns(t, store, "s1", 6)

	turns, err := store.Recent(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 5 {
		t.Fatalf("window holds %d turns, want 5", len(turns))
	}
	if turns[0].Seq != 2 {
		t.Fatalf("oldest surviving seq = %d, want 2 (seq 1 evicted)", turns[0].Seq)
	}
	if turns[len(turns)-1].Seq != 6 {
		t.Fatalf("newest seq = %d, want 6", turns[len(turns)-1].Seq)
	}
}

func TestInMemoryShortTermRecentChronological(t *testing.T) {
	store := NewInMemoryShortTerm(10)
	appendTurns(t, store, "s1", 4)

	turns, err := store.Recent(context.Background(), "s1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Seq <= turns[i-1].Seq {
			t.Fatalf("turns not chronological: seq %d after %d", turns[i].Seq, turns[i-1].Seq)
		}
	}
}

func TestInMemoryShortTermSessionsIsolated(t *testing.T) {
	store := NewInMemoryShortTerm(10)
	appendTurns(t, store, "s1", 3)
	appendTurns(t, store, "s2", 1)

	turns, err := store.Recent(context.Background(), "s2", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("session s2 sees %d turns, want 1", len(turns))
	}
}

func TestInMemoryShortTermLastSeq(t *testing.T) {
	store := NewInMemoryShortTerm(10)

	seq, err := store.LastSeq(context.Background(), "empty")
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if seq != 0 {
		t.Fatalf("empty session last seq = %d, want 0", seq)
	}

	appendTurns(t, store, "s1", 7)
	seq, err = store.LastSeq(context.Background(), "s1")
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if seq != 7 {
		t.Fatalf("last seq = %d, want 7", seq)
	}
}

func TestInMemoryShortTermDeleteExpired(t *testing.T) {
	store := NewInMemoryShortTerm(10)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	turns := []DialogTurn{
		{TurnID: "a", SessionID: "s1", Seq: 1, Role: RoleUser, Content: "old", CreatedAt: now, ExpiresAt: &past},
		{TurnID: "b", SessionID: "s1", Seq: 2, Role: RoleUser, Content: "fresh", CreatedAt: now, ExpiresAt: &future},
		{TurnID: "c", SessionID: "s1", Seq: 3, Role: RoleUser, Content: "permanent", CreatedAt: now},
	}
	for _, turn := range turns {
		if err := store.Append(context.Background(), turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	deleted, err := store.DeleteExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d turns, want 1", deleted)
	}
	remaining, err := store.Recent(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("%d turns remain, want 2", len(remaining))
	}
	for _, turn := range remaining {
		if turn.TurnID == "a" {
			t.Fatal("expired turn survived the sweep")
		}
	}
}
