package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/neosignal-dev/openai-proxy-ha/internal/llm"
)

type failingLongTerm struct{}

func (failingLongTerm) Add(context.Context, DialogTurn, []float32) error {
	return errors.New("vector index unavailable")
}

func (failingLongTerm) Search(context.Context, string, []float32, int, time.Time) ([]DialogTurn, error) {
	return nil, errors.New("vector index unavailable")
}

func (failingLongTerm) Count(context.Context, string) (int, error) { return 0, nil }
func (failingLongTerm) Close() error                               { return nil }

func newTestManager() *Manager {
	return NewManager(
		NewInMemoryShortTerm(20),
		NewChromemLongTerm(),
		llm.NewHashEmbedder(64),
		NewRetentionPolicy(nil),
	)
}

func TestManagerWriteAssignsMonotonicSeq(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	var prev int64
	for i := 0; i < 5; i++ {
		turn, err := mgr.Write(ctx, WriteRequest{
			SessionID: "s1",
			Role:      RoleUser,
			Content:   "hello there",
		})
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if turn.TurnID == "" {
			t.Fatal("turn id not assigned")
		}
		if turn.Seq <= prev {
			t.Fatalf("seq %d not greater than previous %d", turn.Seq, prev)
		}
		prev = turn.Seq
	}
}

func TestManagerWriteRejectsEmptySession(t *testing.T) {
	mgr := newTestManager()
	if _, err := mgr.Write(context.Background(), WriteRequest{Role: RoleUser, Content: "hi"}); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestManagerRedactsPIIBeforePersist(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	turn, err := mgr.Write(ctx, WriteRequest{
		SessionID: "s1",
		Role:      RoleUser,
		Content:   "my email is lena@example.com by the way",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.Contains(turn.Content, "lena@example.com") {
		t.Fatalf("email survived redaction: %q", turn.Content)
	}

	recall, err := mgr.Read(ctx, Query{SessionID: "s1", MaxShortTerm: 10})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, stored := range recall.ShortTerm {
		if strings.Contains(stored.Content, "lena@example.com") {
			t.Fatalf("email persisted unredacted: %q", stored.Content)
		}
	}
}

func TestManagerLongTermRecall(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	// High-importance preference lands in the long-term index.
	if _, err := mgr.Write(ctx, WriteRequest{
		SessionID: "old-session",
		UserID:    "u1",
		Role:      RoleUser,
		Content:   "remember that I prefer the bedroom light dimmed at night",
	}); err != nil {
		t.Fatalf("write preference: %v", err)
	}
	// Low-importance chatter stays out of it.
	if _, err := mgr.Write(ctx, WriteRequest{
		SessionID: "old-session",
		UserID:    "u1",
		Role:      RoleUser,
		Content:   "haha ok",
	}); err != nil {
		t.Fatalf("write chatter: %v", err)
	}

	// Fresh session, same user: the preference must come back via long-term.
	recall, err := mgr.Read(ctx, Query{
		SessionID:    "new-session",
		UserID:       "u1",
		Utterance:    "dimmed bedroom light at night",
		MaxShortTerm: 10,
		MaxLongTerm:  3,
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recall.ShortTerm) != 0 {
		t.Fatalf("new session has %d short-term turns, want 0", len(recall.ShortTerm))
	}
	if len(recall.LongTerm) == 0 {
		t.Fatal("expected long-term recall of the stored preference")
	}
	found := false
	for _, turn := range recall.LongTerm {
		if turn.MemoryType == TypePreference {
			found = true
		}
		if turn.Content == "haha ok" {
			t.Fatal("low-importance turn leaked into the long-term index")
		}
	}
	if !found {
		t.Fatal("stored preference not among long-term recalls")
	}
}

func TestManagerReadDeduplicatesWindowHits(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	turn, err := mgr.Write(ctx, WriteRequest{
		SessionID: "s1",
		Role:      RoleUser,
		Content:   "remember that I always want the thermostat at 21 degrees",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	recall, err := mgr.Read(ctx, Query{
		SessionID:    "s1",
		Utterance:    "thermostat at 21 degrees",
		MaxShortTerm: 10,
		MaxLongTerm:  3,
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, lt := range recall.LongTerm {
		if lt.TurnID == turn.TurnID {
			t.Fatal("long-term recall duplicated a turn already in the window")
		}
	}
}

func TestManagerDegradesWithoutLongTerm(t *testing.T) {
	mgr := NewManager(NewInMemoryShortTerm(20), failingLongTerm{}, llm.NewHashEmbedder(64), NewRetentionPolicy(nil))
	hookFired := 0
	mgr.SetDegradeHook(func() { hookFired++ })
	ctx := context.Background()

	// Write must succeed even though long-term indexing fails.
	if _, err := mgr.Write(ctx, WriteRequest{
		SessionID: "s1",
		Role:      RoleUser,
		Content:   "remember that I prefer quiet mornings",
	}); err != nil {
		t.Fatalf("write with failing long-term: %v", err)
	}
	if _, err := mgr.Write(ctx, WriteRequest{
		SessionID: "s1",
		Role:      RoleUser,
		Content:   "remember that I always want the porch light off at night",
	}); err != nil {
		t.Fatalf("write with failing long-term: %v", err)
	}
	if hookFired != 1 {
		t.Fatalf("degrade hook fired %d times, want exactly 1", hookFired)
	}

	// Read degrades to short-term only.
	recall, err := mgr.Read(ctx, Query{
		SessionID:    "s1",
		Utterance:    "quiet mornings",
		MaxShortTerm: 10,
		MaxLongTerm:  3,
	})
	if err != nil {
		t.Fatalf("read with failing long-term: %v", err)
	}
	if len(recall.ShortTerm) != 2 {
		t.Fatalf("short-term recall has %d turns, want 2", len(recall.ShortTerm))
	}
	if len(recall.LongTerm) != 0 {
		t.Fatalf("long-term recall has %d turns, want 0", len(recall.LongTerm))
	}

	stats, err := mgr.Stats(ctx, "s1", "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !stats.LongTermDegraded {
		t.Fatal("degraded flag not set after long-term failure")
	}
}

func TestManagerCleanupExpired(t *testing.T) {
	store := NewInMemoryShortTerm(20)
	mgr := NewManager(store, nil, nil, NewRetentionPolicy(nil))
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	if err := store.Append(ctx, DialogTurn{
		TurnID: "a", SessionID: "s1", Seq: 1, Role: RoleUser,
		Content: "stale", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	deleted, err := mgr.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d, want 1", deleted)
	}
	stats, err := mgr.Stats(ctx, "s1", "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ExpiredDeleted != 1 {
		t.Fatalf("expired counter = %d, want 1", stats.ExpiredDeleted)
	}
}
