package pipeline

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testPlan(id string) ActionPlan {
	return ActionPlan{
		PlanID:               id,
		SessionID:            "s1",
		Steps:                []ActionStep{{Domain: "lock", Service: "unlock", FriendlyName: "Front Door", Dangerous: true}},
		RequiresConfirmation: true,
		ConfirmationReason:   "service lock.unlock requires explicit confirmation",
		CreatedAt:            time.Now().UTC(),
	}
}

func TestConfirmApprovesProposedPlan(t *testing.T) {
	pending := NewPendingPlans(time.Minute, nil)
	pending.Propose(testPlan("p1"))

	plan, err := pending.Confirm("p1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if plan.PlanID != "p1" {
		t.Fatalf("plan id = %s, want p1", plan.PlanID)
	}
	if state, _ := pending.State("p1"); state != StateApproved {
		t.Fatalf("state = %s, want approved", state)
	}

	// A second confirmation of an already-approved plan must not replay it.
	if _, err := pending.Confirm("p1"); !errors.Is(err, ErrPlanNotPending) {
		t.Fatalf("second confirm error = %v, want ErrPlanNotPending", err)
	}
}

func TestConfirmUnknownPlan(t *testing.T) {
	pending := NewPendingPlans(time.Minute, nil)
	if _, err := pending.Confirm("nope"); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("error = %v, want ErrPlanNotFound", err)
	}
}

func TestProposedPlanDiscardsAfterWindow(t *testing.T) {
	var discards atomic.Int64
	pending := NewPendingPlans(time.Minute, func(ActionPlan) { discards.Add(1) })

	current := time.Now()
	pending.now = func() time.Time { return current }

	pending.Propose(testPlan("p1"))
	current = current.Add(2 * time.Minute)

	if n := pending.Sweep(); n != 1 {
		t.Fatalf("sweep discarded %d plans, want 1", n)
	}
	if state, _ := pending.State("p1"); state != StateDiscarded {
		t.Fatalf("state = %s, want discarded", state)
	}

	// Discard happens exactly once: a second sweep and a late confirmation
	// both leave the plan discarded without re-firing the hook.
	if n := pending.Sweep(); n != 0 {
		t.Fatalf("second sweep discarded %d plans, want 0", n)
	}
	if _, err := pending.Confirm("p1"); !errors.Is(err, ErrPlanDiscarded) {
		t.Fatalf("late confirm error = %v, want ErrPlanDiscarded", err)
	}

	deadline := time.Now().Add(time.Second)
	for discards.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := discards.Load(); n != 1 {
		t.Fatalf("discard hook fired %d times, want 1", n)
	}
}

func TestLateConfirmDiscardsInsteadOfApproving(t *testing.T) {
	pending := NewPendingPlans(time.Minute, nil)
	current := time.Now()
	pending.now = func() time.Time { return current }

	pending.Propose(testPlan("p1"))
	current = current.Add(2 * time.Minute)

	if _, err := pending.Confirm("p1"); !errors.Is(err, ErrPlanDiscarded) {
		t.Fatalf("error = %v, want ErrPlanDiscarded", err)
	}
	if state, _ := pending.State("p1"); state != StateDiscarded {
		t.Fatalf("state = %s, want discarded", state)
	}
}

func TestRejectDiscardsOnce(t *testing.T) {
	pending := NewPendingPlans(time.Minute, nil)
	pending.Propose(testPlan("p1"))

	plan, err := pending.Reject("p1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if plan.PlanID != "p1" {
		t.Fatalf("plan id = %s, want p1", plan.PlanID)
	}
	if state, _ := pending.State("p1"); state != StateDiscarded {
		t.Fatalf("state = %s, want discarded", state)
	}

	// Idempotent: rejecting again keeps the terminal state.
	if _, err := pending.Reject("p1"); err != nil {
		t.Fatalf("second reject: %v", err)
	}
}

func TestExecutedPlanLifecycle(t *testing.T) {
	pending := NewPendingPlans(time.Minute, nil)
	pending.Propose(testPlan("p1"))

	if _, err := pending.Confirm("p1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	pending.MarkExecuted("p1")
	if state, _ := pending.State("p1"); state != StateExecuted {
		t.Fatalf("state = %s, want executed", state)
	}
}

func TestSweepDropsOldTerminalEntries(t *testing.T) {
	pending := NewPendingPlans(time.Minute, nil)
	current := time.Now()
	pending.now = func() time.Time { return current }

	pending.Propose(testPlan("p1"))
	if _, err := pending.Confirm("p1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	pending.MarkExecuted("p1")

	current = current.Add(11 * time.Minute)
	pending.Sweep()
	if _, ok := pending.State("p1"); ok {
		t.Fatal("old executed plan still tracked after sweep")
	}
}

func TestReopenReturnsApprovedPlanToProposed(t *testing.T) {
	pending := NewPendingPlans(time.Minute, nil)
	pending.Propose(testPlan("p1"))

	if _, err := pending.Confirm("p1"); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	pending.Reopen("p1")

	if state, ok := pending.State("p1"); !ok || state != StateProposed {
		t.Fatalf("state after reopen = %v, want %v", state, StateProposed)
	}

	// A later confirmation can execute the plan after all.
	plan, err := pending.Confirm("p1")
	if err != nil {
		t.Fatalf("Confirm() after reopen error = %v", err)
	}
	if plan.PlanID != "p1" {
		t.Fatalf("plan id = %q, want p1", plan.PlanID)
	}
	pending.MarkExecuted("p1")
	if state, _ := pending.State("p1"); state != StateExecuted {
		t.Fatalf("state = %v, want %v", state, StateExecuted)
	}
}

func TestReopenIgnoresTerminalStates(t *testing.T) {
	pending := NewPendingPlans(time.Minute, nil)
	pending.Propose(testPlan("p1"))
	if _, err := pending.Reject("p1"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	pending.Reopen("p1")
	if state, _ := pending.State("p1"); state != StateDiscarded {
		t.Fatalf("state = %v, want %v", state, StateDiscarded)
	}
}
