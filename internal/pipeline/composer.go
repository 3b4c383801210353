package pipeline

import (
	"fmt"
	"strings"
)

// ResponseComposer renders pipeline outcomes as user-facing text. Templates
// are deterministic; failed and skipped steps are always named, and friendly
// names are preferred over raw entity ids.
type ResponseComposer struct{}

func NewResponseComposer() *ResponseComposer {
	return &ResponseComposer{}
}

// Compose renders one execution result.
func (c *ResponseComposer) Compose(result ExecutionResult, rc ResolvedContext) string {
	var succeeded, failed, skipped []StepResult
	for _, res := range result.Results {
		switch res.Status {
		case StepSucceeded:
			succeeded = append(succeeded, res)
		case StepFailed:
			failed = append(failed, res)
		case StepSkipped:
			skipped = append(skipped, res)
		}
	}

	var parts []string
	if len(succeeded) > 0 {
		parts = append(parts, fmt.Sprintf("Done: %s.", stepList(succeeded)))
	}
	if len(failed) > 0 {
		parts = append(parts, fmt.Sprintf("I could not complete: %s.", stepList(failed)))
	}
	if len(skipped) > 0 {
		parts = append(parts, fmt.Sprintf("Not performed: %s.", skipReasons(skipped)))
	}
	if len(parts) == 0 {
		return "Nothing was executed."
	}
	return strings.Join(parts, " ")
}

// ClarifyingQuestion is the reply for an ambiguous utterance.
func (c *ResponseComposer) ClarifyingQuestion(utterance string) string {
	return "I'm not sure what you want me to do. Could you rephrase that?"
}

// PlanningApology renders a planning failure without executing anything.
func (c *ResponseComposer) PlanningApology(err error) string {
	if pe, ok := err.(*PlanningError); ok {
		return fmt.Sprintf("Sorry, I can't do that: %s.", pe.Reason)
	}
	return "Sorry, I couldn't work out how to do that."
}

// ConfirmationPrompt asks the user to approve a dangerous plan.
func (c *ResponseComposer) ConfirmationPrompt(plan ActionPlan) string {
	targets := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		targets = append(targets, stepName(step))
	}
	reason := plan.ConfirmationReason
	if reason == "" {
		reason = "this action needs confirmation"
	}
	return fmt.Sprintf("This will affect %s and %s. Say yes to confirm or no to cancel.",
		strings.Join(targets, ", "), reason)
}

// DiscardNotice reports an unconfirmed plan that timed out or was rejected.
func (c *ResponseComposer) DiscardNotice(plan ActionPlan) string {
	targets := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		targets = append(targets, stepName(step))
	}
	if len(targets) == 0 {
		return "The action was not performed."
	}
	return fmt.Sprintf("The action on %s was not performed because it was not confirmed.",
		strings.Join(targets, ", "))
}

// TimeoutNotice is the reply when the request deadline expired.
func (c *ResponseComposer) TimeoutNotice() string {
	return "That took too long to process. Anything already started was left as is; please try again."
}

// ThrottledNotice is the reply when admission was rate limited.
func (c *ResponseComposer) ThrottledNotice() string {
	return "I'm handling too many requests right now. Please try again in a moment."
}

// MemoryAnswer renders a memory_query reply from recalled turns.
func (c *ResponseComposer) MemoryAnswer(rc ResolvedContext) string {
	recalled := rc.RecalledRelated
	if len(recalled) == 0 {
		recalled = rc.RecalledRecent
	}
	if len(recalled) == 0 {
		return "I couldn't find anything about that in our conversation history."
	}
	var b strings.Builder
	b.WriteString("From our earlier conversations:")
	max := 3
	if len(recalled) < max {
		max = len(recalled)
	}
	for _, turn := range recalled[:max] {
		b.WriteString("\n- ")
		b.WriteString(truncate(turn.Content, 200))
	}
	return b.String()
}

// RuleStored acknowledges a stored preference.
func (c *ResponseComposer) RuleStored(utterance string) string {
	return fmt.Sprintf("Got it, I'll remember: %s", truncate(utterance, 200))
}

func stepList(results []StepResult) string {
	names := make([]string, 0, len(results))
	for _, res := range results {
		names = append(names, stepName(res.Step))
	}
	return strings.Join(names, ", ")
}

func skipReasons(results []StepResult) string {
	parts := make([]string, 0, len(results))
	for _, res := range results {
		reason := res.Error
		if reason == "" {
			reason = "not permitted"
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", stepName(res.Step), reason))
	}
	return strings.Join(parts, ", ")
}

// stepName prefers the friendly name over raw identifiers.
func stepName(step ActionStep) string {
	if step.FriendlyName != "" {
		return step.FriendlyName
	}
	if len(step.Target.EntityIDs) > 0 {
		return strings.Join(step.Target.EntityIDs, ", ")
	}
	if len(step.Target.AreaIDs) > 0 {
		return strings.Join(step.Target.AreaIDs, ", ")
	}
	return step.FullService()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
