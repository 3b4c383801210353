package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/neosignal-dev/openai-proxy-ha/internal/homeassistant"
	"github.com/neosignal-dev/openai-proxy-ha/internal/llm"
	"github.com/neosignal-dev/openai-proxy-ha/internal/memory"
	"github.com/neosignal-dev/openai-proxy-ha/internal/observability"
	"github.com/neosignal-dev/openai-proxy-ha/internal/ratelimit"
)

// Request is one inbound utterance.
type Request struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Utterance string `json:"utterance"`
	Language  string `json:"language,omitempty"`
	Device    string `json:"device,omitempty"`
}

// StepOutcome is the per-step metadata returned alongside the reply.
type StepOutcome struct {
	Service string `json:"service"`
	Target  string `json:"target,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Response is always returned, whatever happened inside the pipeline.
type Response struct {
	Reply                string        `json:"reply"`
	Intent               string        `json:"intent,omitempty"`
	PlanID               string        `json:"plan_id,omitempty"`
	RequiresConfirmation bool          `json:"requires_confirmation,omitempty"`
	Outcomes             []StepOutcome `json:"outcomes,omitempty"`
	Throttled            bool          `json:"throttled,omitempty"`
	TimedOut             bool          `json:"timed_out,omitempty"`
}

// RateBudgets carries the admission budgets checked before any stage runs.
type RateBudgets struct {
	GlobalPerMinute   int
	PerUserPerMinute  int
	ProviderPerMinute int
	PlatformPerMinute int
}

// Deps wires the orchestrator's collaborators; all shared state is
// initialized once and passed in, never looked up ambiently.
type Deps struct {
	Memory    *memory.Manager
	Snapshots homeassistant.SnapshotProvider
	Analyzer  *IntentAnalyzer
	Resolver  *ContextResolver
	Planner   *Planner
	Executor  *Executor
	Composer  *ResponseComposer
	Pending   *PendingPlans
	Completer llm.Completer
	Limits    *ratelimit.Manager
	Budgets   RateBudgets
	Metrics   *observability.Metrics

	RequestTimeout  time.Duration
	ShortTermWindow int
	LongTermRecallK int
}

// Orchestrator drives the pipeline stages for one request and owns the
// per-request deadline. Its contract is "always returns a reply".
type Orchestrator struct {
	deps           Deps
	requestTimeout time.Duration
}

func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 20 * time.Second
	}
	if deps.ShortTermWindow <= 0 {
		deps.ShortTermWindow = 20
	}
	if deps.LongTermRecallK <= 0 {
		deps.LongTermRecallK = 3
	}
	return &Orchestrator{
		deps:           deps,
		requestTimeout: deps.RequestTimeout,
	}
}

// Handle processes one utterance end to end.
func (o *Orchestrator) Handle(ctx context.Context, req Request) Response {
	started := time.Now()
	defer func() {
		o.observeStage("turn_total", time.Since(started))
	}()

	if resp, throttled := o.admit(req); throttled {
		return resp
	}

	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	recall := o.readMemory(ctx, req)

	stageStart := time.Now()
	intent := o.analyze(ctx, req, recall)
	o.observeStage("intent", time.Since(stageStart))

	if o.timedOut(ctx) {
		return o.finish(ctx, req, intent.Name, Response{
			Reply:    o.deps.Composer.TimeoutNotice(),
			Intent:   intent.Name,
			TimedOut: true,
		})
	}

	if intent.Ambiguous {
		o.countTurn(intent.Name, "ambiguous")
		return o.finish(ctx, req, intent.Name, Response{
			Reply:  o.deps.Composer.ClarifyingQuestion(req.Utterance),
			Intent: intent.Name,
		})
	}

	switch intent.Name {
	case IntentHACommand:
		return o.handleCommand(ctx, req, intent, recall)
	case IntentHAQuery:
		return o.handleQuery(ctx, req, intent, recall)
	case IntentMemoryQuery:
		rc := o.deps.Resolver.Resolve(intent, nil, recall)
		o.countTurn(intent.Name, "ok")
		return o.finish(ctx, req, intent.Name, Response{
			Reply:  o.deps.Composer.MemoryAnswer(rc),
			Intent: intent.Name,
		})
	case IntentSetRule:
		o.countTurn(intent.Name, "ok")
		return o.finish(ctx, req, intent.Name, Response{
			Reply:  o.deps.Composer.RuleStored(req.Utterance),
			Intent: intent.Name,
		})
	default:
		return o.handleChat(ctx, req, intent, recall)
	}
}

// Confirm resolves a pending dangerous plan: approve executes it, reject
// discards it. Both paths return a composed reply.
func (o *Orchestrator) Confirm(ctx context.Context, req Request, planID string, approve bool) Response {
	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	if !approve {
		plan, err := o.deps.Pending.Reject(planID)
		if err != nil {
			return o.finish(ctx, req, "", Response{Reply: "There is nothing waiting for confirmation.", PlanID: planID})
		}
		o.countTurn(IntentHACommand, "rejected")
		return o.finish(ctx, req, IntentHACommand, Response{
			Reply:  o.deps.Composer.DiscardNotice(plan),
			Intent: IntentHACommand,
			PlanID: planID,
		})
	}

	plan, err := o.deps.Pending.Confirm(planID)
	switch {
	case errors.Is(err, ErrPlanDiscarded):
		o.countTurn(IntentHACommand, "discarded")
		return o.finish(ctx, req, IntentHACommand, Response{
			Reply:  "That request expired without confirmation, so nothing was done. Please ask again.",
			Intent: IntentHACommand,
			PlanID: planID,
		})
	case errors.Is(err, ErrPlanNotFound), errors.Is(err, ErrPlanNotPending):
		return o.finish(ctx, req, "", Response{Reply: "There is nothing waiting for confirmation.", PlanID: planID})
	case err != nil:
		return o.finish(ctx, req, "", Response{Reply: "Sorry, I couldn't process that confirmation.", PlanID: planID})
	}

	resp := o.executePlan(ctx, req, plan, ResolvedContext{})
	if resp.Throttled {
		// Nothing ran; hand the plan back so a retry can still execute it.
		o.deps.Pending.Reopen(plan.PlanID)
	} else {
		o.deps.Pending.MarkExecuted(plan.PlanID)
	}
	return o.finish(ctx, req, IntentHACommand, resp)
}

func (o *Orchestrator) handleCommand(ctx context.Context, req Request, intent Intent, recall memory.Recall) Response {
	snapshot, err := o.snapshot(ctx)
	if err != nil {
		o.countTurn(intent.Name, "platform_error")
		return o.finish(ctx, req, intent.Name, Response{
			Reply:  "Sorry, I can't reach your home right now. Please try again shortly.",
			Intent: intent.Name,
		})
	}

	stageStart := time.Now()
	rc := o.deps.Resolver.Resolve(intent, snapshot, recall)
	o.observeStage("resolve", time.Since(stageStart))

	stageStart = time.Now()
	plan, err := o.deps.Planner.Plan(rc, req.SessionID, req.UserID)
	o.observeStage("plan", time.Since(stageStart))
	if err != nil {
		o.countTurn(intent.Name, "planning_error")
		return o.finish(ctx, req, intent.Name, Response{
			Reply:  o.deps.Composer.PlanningApology(err),
			Intent: intent.Name,
		})
	}

	if plan.RequiresConfirmation {
		o.deps.Pending.Propose(plan)
		o.countTurn(intent.Name, "confirmation_required")
		return o.finish(ctx, req, intent.Name, Response{
			Reply:                o.deps.Composer.ConfirmationPrompt(plan),
			Intent:               intent.Name,
			PlanID:               plan.PlanID,
			RequiresConfirmation: true,
		})
	}

	return o.finish(ctx, req, intent.Name, o.executePlan(ctx, req, plan, rc))
}

func (o *Orchestrator) executePlan(ctx context.Context, req Request, plan ActionPlan, rc ResolvedContext) Response {
	if ok, _ := o.deps.Limits.Check("platform", o.deps.Budgets.PlatformPerMinute, "platform"); !ok {
		o.throttled("platform")
		return Response{
			Reply:     o.deps.Composer.ThrottledNotice(),
			Intent:    IntentHACommand,
			PlanID:    plan.PlanID,
			Throttled: true,
		}
	}

	stageStart := time.Now()
	result := o.deps.Executor.Execute(ctx, plan)
	o.observeStage("execute", time.Since(stageStart))

	stageStart = time.Now()
	reply := o.deps.Composer.Compose(result, rc)
	o.observeStage("compose", time.Since(stageStart))

	outcome := "ok"
	if !result.Succeeded() {
		outcome = "partial_failure"
	}
	o.countTurn(IntentHACommand, outcome)

	resp := Response{
		Reply:    reply,
		Intent:   IntentHACommand,
		PlanID:   plan.PlanID,
		TimedOut: o.timedOut(ctx),
	}
	for _, res := range result.Results {
		out := StepOutcome{
			Service: res.Step.FullService(),
			Target:  stepName(res.Step),
			Status:  res.Status,
			Error:   res.Error,
		}
		resp.Outcomes = append(resp.Outcomes, out)
		if o.deps.Metrics != nil {
			o.deps.Metrics.StepOutcomes.WithLabelValues(out.Service, out.Status).Inc()
		}
	}
	return resp
}

func (o *Orchestrator) handleQuery(ctx context.Context, req Request, intent Intent, recall memory.Recall) Response {
	snapshot, err := o.snapshot(ctx)
	if err != nil {
		o.countTurn(intent.Name, "platform_error")
		return o.finish(ctx, req, intent.Name, Response{
			Reply:  "Sorry, I can't reach your home right now. Please try again shortly.",
			Intent: intent.Name,
		})
	}

	rc := o.deps.Resolver.Resolve(intent, snapshot, recall)
	if value, ok := rc.Resolved["target"]; ok && value.EntityID != "" {
		if entity, found := snapshot.EntityByID(value.EntityID); found {
			o.countTurn(intent.Name, "ok")
			return o.finish(ctx, req, intent.Name, Response{
				Reply:  fmt.Sprintf("%s is %s.", friendlyName(entity, entity.EntityID), entity.State),
				Intent: intent.Name,
			})
		}
	}
	return o.handleChat(ctx, req, intent, recall)
}

func (o *Orchestrator) handleChat(ctx context.Context, req Request, intent Intent, recall memory.Recall) Response {
	reply := o.chatReply(ctx, req.Utterance, recall)
	o.countTurn(intent.Name, "ok")
	return o.finish(ctx, req, intent.Name, Response{Reply: reply, Intent: intent.Name})
}

func (o *Orchestrator) chatReply(ctx context.Context, utterance string, recall memory.Recall) string {
	if o.deps.Completer == nil || !o.providerAllowed() {
		return "I'm here. Ask me to control a device or tell me what you need."
	}

	var b strings.Builder
	for _, turn := range recall.LongTerm {
		fmt.Fprintf(&b, "Known about the user: %s\n", turn.Content)
	}
	for _, turn := range recall.ShortTerm {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	b.WriteString("user: ")
	b.WriteString(utterance)

	reply, err := o.deps.Completer.Complete(ctx,
		"You are a concise smart-home voice assistant. Answer in one or two sentences.",
		b.String())
	if err != nil || strings.TrimSpace(reply) == "" {
		if o.deps.Metrics != nil {
			o.deps.Metrics.ProviderErrors.WithLabelValues("openai", "completion").Inc()
		}
		return "Sorry, I had trouble answering that. Please try again."
	}
	return strings.TrimSpace(reply)
}

// admit checks the global and per-caller budgets before any stage runs.
func (o *Orchestrator) admit(req Request) (Response, bool) {
	if ok, _ := o.deps.Limits.Check("global", o.deps.Budgets.GlobalPerMinute, "global"); !ok {
		o.throttled("global")
		return Response{Reply: o.deps.Composer.ThrottledNotice(), Throttled: true}, true
	}
	caller := req.UserID
	if caller == "" {
		caller = req.SessionID
	}
	if ok, _ := o.deps.Limits.Check("user", o.deps.Budgets.PerUserPerMinute, caller); !ok {
		o.throttled("user")
		return Response{Reply: o.deps.Composer.ThrottledNotice(), Throttled: true}, true
	}
	return Response{}, false
}

func (o *Orchestrator) analyze(ctx context.Context, req Request, recall memory.Recall) Intent {
	if intent, ok := o.deps.Analyzer.Quick(req.Utterance); ok {
		return intent
	}
	// Only the LLM fallback consumes the provider budget.
	if !o.providerAllowed() {
		return Intent{Name: IntentGeneralChat, Confidence: 0.5}
	}
	intent, err := o.deps.Analyzer.Analyze(ctx, req.Utterance, recall.ShortTerm)
	if err != nil {
		return Intent{Name: IntentGeneralChat, Confidence: 0.5}
	}
	return intent
}

// providerAllowed consumes one slot from the LLM provider budget.
func (o *Orchestrator) providerAllowed() bool {
	ok, _ := o.deps.Limits.Check("provider", o.deps.Budgets.ProviderPerMinute, "provider")
	if !ok {
		o.throttled("provider")
	}
	return ok
}

func (o *Orchestrator) readMemory(ctx context.Context, req Request) memory.Recall {
	recall, err := o.deps.Memory.Read(ctx, memory.Query{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		Utterance:    req.Utterance,
		MaxShortTerm: o.deps.ShortTermWindow,
		MaxLongTerm:  o.deps.LongTermRecallK,
	})
	if err != nil {
		log.Printf("memory read failed for session %s: %v", req.SessionID, err)
		return memory.Recall{}
	}
	return recall
}

// finish records the exchange in memory and returns the response unchanged.
// The write gets its own bounded deadline so an expired request context
// cannot drop the turn.
func (o *Orchestrator) finish(_ context.Context, req Request, intentName string, resp Response) Response {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stageStart := time.Now()
	meta := map[string]string{}
	if intentName != "" {
		meta["intent"] = intentName
	}
	if req.Utterance != "" {
		if _, err := o.deps.Memory.Write(ctx, memory.WriteRequest{
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Role:      memory.RoleUser,
			Content:   req.Utterance,
			Meta:      meta,
		}); err != nil {
			log.Printf("memory write (user turn) failed for session %s: %v", req.SessionID, err)
		}
	}
	if _, err := o.deps.Memory.Write(ctx, memory.WriteRequest{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      memory.RoleAssistant,
		Content:   resp.Reply,
		Meta:      meta,
	}); err != nil {
		log.Printf("memory write (assistant turn) failed for session %s: %v", req.SessionID, err)
	}
	o.observeStage("memory_write", time.Since(stageStart))
	return resp
}

func (o *Orchestrator) snapshot(ctx context.Context) (*homeassistant.Snapshot, error) {
	if o.deps.Snapshots == nil {
		return nil, errors.New("no platform configured")
	}
	return o.deps.Snapshots.Snapshot(ctx)
}

func (o *Orchestrator) timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (o *Orchestrator) observeStage(stage string, d time.Duration) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObservePipelineStage(stage, d)
	}
}

func (o *Orchestrator) countTurn(intentName, outcome string) {
	if o.deps.Metrics != nil {
		if intentName == "" {
			intentName = IntentUnknown
		}
		o.deps.Metrics.PipelineTurns.WithLabelValues(intentName, outcome).Inc()
	}
}

func (o *Orchestrator) throttled(budget string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ThrottledTotal.WithLabelValues(budget).Inc()
	}
}
