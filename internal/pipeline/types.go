package pipeline

import (
	"fmt"
	"time"

	"github.com/neosignal-dev/openai-proxy-ha/internal/audit"
	"github.com/neosignal-dev/openai-proxy-ha/internal/homeassistant"
	"github.com/neosignal-dev/openai-proxy-ha/internal/memory"
)

// Intent names the pipeline routes on.
const (
	IntentHACommand   = "ha_command"
	IntentHAQuery     = "ha_query"
	IntentMemoryQuery = "memory_query"
	IntentSetRule     = "set_rule"
	IntentGeneralChat = "general_chat"
	IntentUnknown     = "unknown"
)

// Intent is the classified shape of one utterance.
type Intent struct {
	Name       string            `json:"name"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots,omitempty"`
	Ambiguous  bool              `json:"ambiguous"`
}

// SlotValue is one resolved slot: either a concrete platform identifier or a
// literal carried through unchanged.
type SlotValue struct {
	EntityID string `json:"entity_id,omitempty"`
	AreaID   string `json:"area_id,omitempty"`
	Literal  string `json:"literal,omitempty"`
}

// ResolvedContext is the per-request product of slot resolution. It is owned
// by one pipeline invocation and never shared.
type ResolvedContext struct {
	Intent          Intent
	Resolved        map[string]SlotValue
	Unresolved      []string
	RecalledRecent  []memory.DialogTurn
	RecalledRelated []memory.DialogTurn
	Snapshot        *homeassistant.Snapshot
}

// ActionStep is one concrete service invocation.
type ActionStep struct {
	Domain       string               `json:"domain"`
	Service      string               `json:"service"`
	Target       homeassistant.Target `json:"target"`
	Params       map[string]any       `json:"params,omitempty"`
	FriendlyName string               `json:"friendly_name,omitempty"`
	Dangerous    bool                 `json:"dangerous"`
}

// FullService returns the "domain.service" form used by policy matching.
func (s ActionStep) FullService() string {
	return s.Domain + "." + s.Service
}

// DroppedStep records a step removed by the allowlist before execution.
type DroppedStep struct {
	Step   ActionStep `json:"step"`
	Reason string     `json:"reason"`
}

// ActionPlan is the ordered set of steps derived from one resolved intent.
type ActionPlan struct {
	PlanID               string        `json:"plan_id"`
	SessionID            string        `json:"session_id"`
	UserID               string        `json:"user_id"`
	Intent               string        `json:"intent,omitempty"`
	Steps                []ActionStep  `json:"steps"`
	Dropped              []DroppedStep `json:"dropped,omitempty"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
	ConfirmationReason   string        `json:"confirmation_reason,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
}

// Step statuses recorded per execution; they double as audit outcomes.
const (
	StepSucceeded = audit.OutcomeSucceeded
	StepFailed    = audit.OutcomeFailed
	StepSkipped   = audit.OutcomeSkipped
)

// StepResult is the recorded outcome of one step attempt.
type StepResult struct {
	Step     ActionStep    `json:"step"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Latency  time.Duration `json:"latency"`
}

// ExecutionResult is the immutable record of one plan execution.
type ExecutionResult struct {
	PlanID  string       `json:"plan_id"`
	Results []StepResult `json:"results"`
}

// Succeeded reports whether every non-skipped step succeeded.
func (r ExecutionResult) Succeeded() bool {
	for _, res := range r.Results {
		if res.Status == StepFailed {
			return false
		}
	}
	return true
}

// AmbiguousIntentError signals that the analyzer could not classify the
// utterance confidently enough to act on it.
type AmbiguousIntentError struct {
	Utterance  string
	Confidence float64
}

func (e *AmbiguousIntentError) Error() string {
	return fmt.Sprintf("ambiguous intent for %q (confidence %.2f)", e.Utterance, e.Confidence)
}

// PlanningError signals that a required slot stayed unresolved and the intent
// cannot be executed at all.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string {
	return "planning failed: " + e.Reason
}
