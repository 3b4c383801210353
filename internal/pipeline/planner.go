package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/neosignal-dev/openai-proxy-ha/internal/homeassistant"
	"github.com/neosignal-dev/openai-proxy-ha/internal/policy"
)

// Planner turns a resolved command context into an ordered action plan,
// enforcing the service allowlist and flagging dangerous calls for
// confirmation.
type Planner struct {
	policy *policy.ServicePolicy
}

func NewPlanner(servicePolicy *policy.ServicePolicy) *Planner {
	return &Planner{policy: servicePolicy}
}

// Plan builds the plan for one ha_command context. It fails with
// PlanningError only when no target resolved at all; allowlist drops are a
// policy outcome recorded on the plan, not an error.
func (p *Planner) Plan(rc ResolvedContext, sessionID, userID string) (ActionPlan, error) {
	plan := ActionPlan{
		PlanID:    uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Intent:    rc.Intent.Name,
		CreatedAt: time.Now().UTC(),
	}

	action := rc.Resolved["action"].Literal
	if action == "" {
		return ActionPlan{}, &PlanningError{Reason: "no action to perform"}
	}

	steps := p.buildSteps(rc, action)
	if len(steps) == 0 {
		for _, name := range rc.Unresolved {
			if name == "target" || name == "area" || name == "device" {
				return ActionPlan{}, &PlanningError{Reason: "no matching device found for " + rc.Intent.Slots[name]}
			}
		}
		return ActionPlan{}, &PlanningError{Reason: "nothing to execute"}
	}

	for _, step := range steps {
		decision := p.policy.Decide(step.FullService(), targetEntityIDs(rc.Snapshot, step)...)
		if !decision.Allowed {
			plan.Dropped = append(plan.Dropped, DroppedStep{Step: step, Reason: decision.Reason})
			continue
		}
		if decision.Dangerous {
			step.Dangerous = true
			plan.RequiresConfirmation = true
			if plan.ConfirmationReason == "" {
				plan.ConfirmationReason = decision.Reason
			}
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

func (p *Planner) buildSteps(rc ResolvedContext, action string) []ActionStep {
	var steps []ActionStep
	for _, name := range []string{"target", "area", "device"} {
		value, ok := rc.Resolved[name]
		if !ok {
			continue
		}
		switch {
		case value.EntityID != "":
			entity, _ := rc.Snapshot.EntityByID(value.EntityID)
			domain := entity.Domain()
			if domain == "" {
				domain = domainFor(action)
			}
			steps = append(steps, ActionStep{
				Domain:       domain,
				Service:      serviceFor(action, domain),
				Target:       homeassistant.Target{EntityIDs: []string{value.EntityID}},
				Params:       paramsFor(action, rc),
				FriendlyName: friendlyName(entity, value.EntityID),
			})
		case value.AreaID != "":
			domain := domainFor(action)
			steps = append(steps, ActionStep{
				Domain:       domain,
				Service:      serviceFor(action, domain),
				Target:       homeassistant.Target{AreaIDs: []string{value.AreaID}},
				Params:       paramsFor(action, rc),
				FriendlyName: areaName(rc.Snapshot, value.AreaID),
			})
		}
	}
	return steps
}

// targetEntityIDs lists the concrete entity ids a step touches so the policy
// can judge dangerous targets. Area targets expand to the area's entities of
// the step's domain.
func targetEntityIDs(snapshot *homeassistant.Snapshot, step ActionStep) []string {
	ids := append([]string(nil), step.Target.EntityIDs...)
	if snapshot == nil {
		return ids
	}
	for _, areaID := range step.Target.AreaIDs {
		for _, e := range snapshot.EntitiesInArea(areaID) {
			if e.Domain() == step.Domain {
				ids = append(ids, e.EntityID)
			}
		}
	}
	return ids
}

// domainFor picks the default domain when the target is an area rather than
// a concrete entity.
func domainFor(action string) string {
	switch action {
	case "open", "close":
		return "cover"
	case "lock", "unlock":
		return "lock"
	case "start", "stop":
		return "vacuum"
	default:
		return "light"
	}
}

func serviceFor(action, domain string) string {
	switch action {
	case "turn_on", "dim", "set":
		return "turn_on"
	case "turn_off":
		return "turn_off"
	case "open":
		if domain == "cover" {
			return "open_cover"
		}
		return "turn_on"
	case "close":
		if domain == "cover" {
			return "close_cover"
		}
		return "turn_off"
	case "lock":
		return "lock"
	case "unlock":
		return "unlock"
	case "start":
		if domain == "vacuum" {
			return "start"
		}
		return "turn_on"
	case "stop":
		if domain == "vacuum" {
			return "stop"
		}
		return "turn_off"
	default:
		return action
	}
}

func paramsFor(action string, rc ResolvedContext) map[string]any {
	params := make(map[string]any)
	if action == "dim" {
		params["brightness_pct"] = 30
	}
	if v, ok := rc.Resolved["value"]; ok && v.Literal != "" {
		params["value"] = v.Literal
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

func friendlyName(e homeassistant.Entity, fallback string) string {
	if e.FriendlyName != "" {
		return e.FriendlyName
	}
	return fallback
}

func areaName(snapshot *homeassistant.Snapshot, areaID string) string {
	if snapshot != nil {
		for _, area := range snapshot.Areas {
			if area.AreaID == areaID {
				return area.Name
			}
		}
	}
	return areaID
}
