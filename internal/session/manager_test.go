package session

import (
	"context"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "en", "speaker")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Language != "en" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
}

func TestManagerPendingPlanLifecycle(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "en", "")

	if err := m.SetPendingPlan(s.ID, "plan-1"); err != nil {
		t.Fatalf("SetPendingPlan() error = %v", err)
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PendingPlanID != "plan-1" {
		t.Fatalf("PendingPlanID = %q, want plan-1", got.PendingPlanID)
	}

	if err := m.SetPendingPlan(s.ID, ""); err != nil {
		t.Fatalf("SetPendingPlan(clear) error = %v", err)
	}
	got, _ = m.Get(s.ID)
	if got.PendingPlanID != "" {
		t.Fatalf("PendingPlanID = %q, want empty after clear", got.PendingPlanID)
	}
}

func TestManagerRecordTurn(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "", "")
	for i := 0; i < 3; i++ {
		if err := m.RecordTurn(s.ID); err != nil {
			t.Fatalf("RecordTurn() error = %v", err)
		}
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TurnCount != 3 {
		t.Fatalf("TurnCount = %d, want 3", got.TurnCount)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("u1", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
}

func TestManagerExpireHookClearsPendingPlan(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	var expired []*Session
	m.SetExpireHook(func(s *Session) { expired = append(expired, s) })

	s := m.Create("u1", "", "")
	if err := m.SetPendingPlan(s.ID, "plan-1"); err != nil {
		t.Fatalf("SetPendingPlan() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	m.expireInactive()

	if len(expired) != 1 {
		t.Fatalf("expire hook fired %d times, want 1", len(expired))
	}
	if expired[0].PendingPlanID != "" {
		t.Fatalf("expired session still carries pending plan %q", expired[0].PendingPlanID)
	}
}
