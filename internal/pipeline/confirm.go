package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Plan confirmation states.
type PlanState string

const (
	StateProposed  PlanState = "proposed"
	StateApproved  PlanState = "approved"
	StateExecuted  PlanState = "executed"
	StateDiscarded PlanState = "discarded"
)

var (
	ErrPlanNotFound   = errors.New("plan not found")
	ErrPlanDiscarded  = errors.New("plan discarded")
	ErrPlanNotPending = errors.New("plan not awaiting confirmation")
)

type pendingPlan struct {
	plan       ActionPlan
	state      PlanState
	proposedAt time.Time
}

// PendingPlans tracks plans awaiting explicit confirmation. A proposed plan
// that sees no confirmation within the window transitions to discarded
// exactly once; later confirmations are rejected, never replayed.
type PendingPlans struct {
	mu        sync.Mutex
	window    time.Duration
	plans     map[string]*pendingPlan
	now       func() time.Time
	onDiscard func(ActionPlan)
}

func NewPendingPlans(window time.Duration, onDiscard func(ActionPlan)) *PendingPlans {
	if window <= 0 {
		window = 45 * time.Second
	}
	return &PendingPlans{
		window:    window,
		plans:     make(map[string]*pendingPlan),
		now:       time.Now,
		onDiscard: onDiscard,
	}
}

// Propose registers the plan as awaiting confirmation.
func (p *PendingPlans) Propose(plan ActionPlan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[plan.PlanID] = &pendingPlan{
		plan:       plan,
		state:      StateProposed,
		proposedAt: p.now(),
	}
}

// Confirm approves a proposed plan and hands it back for execution. A plan
// past its window is discarded here rather than approved, so a late
// confirmation can never execute it.
func (p *PendingPlans) Confirm(planID string) (ActionPlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.plans[planID]
	if !ok {
		return ActionPlan{}, ErrPlanNotFound
	}
	switch entry.state {
	case StateDiscarded:
		return ActionPlan{}, ErrPlanDiscarded
	case StateApproved, StateExecuted:
		return ActionPlan{}, ErrPlanNotPending
	}
	if p.now().Sub(entry.proposedAt) > p.window {
		p.discardLocked(entry)
		return ActionPlan{}, ErrPlanDiscarded
	}
	entry.state = StateApproved
	return entry.plan, nil
}

// Reject discards a proposed plan on explicit user refusal. Idempotent: a
// plan already discarded or executed is returned unchanged.
func (p *PendingPlans) Reject(planID string) (ActionPlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.plans[planID]
	if !ok {
		return ActionPlan{}, ErrPlanNotFound
	}
	if entry.state == StateProposed {
		p.discardLocked(entry)
	}
	return entry.plan, nil
}

// Reopen puts an approved plan back to proposed with a fresh window, for the
// case where approval was admitted but execution could not start. A later
// confirmation can then still run it.
func (p *PendingPlans) Reopen(planID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.plans[planID]; ok && entry.state == StateApproved {
		entry.state = StateProposed
		entry.proposedAt = p.now()
	}
}

// MarkExecuted finalizes an approved plan after the executor ran it.
func (p *PendingPlans) MarkExecuted(planID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.plans[planID]; ok && entry.state == StateApproved {
		entry.state = StateExecuted
	}
}

// State reports the plan's current confirmation state.
func (p *PendingPlans) State(planID string) (PlanState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.plans[planID]
	if !ok {
		return "", false
	}
	return entry.state, true
}

// Sweep discards proposed plans past the window and drops terminal entries
// old enough that no caller will reference them again.
func (p *PendingPlans) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	discarded := 0
	for id, entry := range p.plans {
		switch entry.state {
		case StateProposed:
			if now.Sub(entry.proposedAt) > p.window {
				p.discardLocked(entry)
				discarded++
			}
		case StateExecuted, StateDiscarded:
			if now.Sub(entry.proposedAt) > 10*p.window {
				delete(p.plans, id)
			}
		}
	}
	return discarded
}

// discardLocked performs the single PROPOSED to DISCARDED transition.
// Caller holds the lock.
func (p *PendingPlans) discardLocked(entry *pendingPlan) {
	entry.state = StateDiscarded
	if p.onDiscard != nil {
		// Hook runs outside the lock to keep callbacks from deadlocking.
		plan := entry.plan
		go p.onDiscard(plan)
	}
}

// StartJanitor sweeps on the interval until ctx ends.
func (p *PendingPlans) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep()
			}
		}
	}()
}
