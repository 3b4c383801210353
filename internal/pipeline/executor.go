package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/neosignal-dev/openai-proxy-ha/internal/audit"
	"github.com/neosignal-dev/openai-proxy-ha/internal/homeassistant"
	"github.com/neosignal-dev/openai-proxy-ha/internal/reliability"
)

// Executor runs a plan's steps in order against the platform. One step
// failing does not abort its siblings; every attempt lands in the audit
// trail.
type Executor struct {
	caller      homeassistant.ServiceCaller
	sink        audit.Sink
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	sleep       func(context.Context, time.Duration) error
}

func NewExecutor(caller homeassistant.ServiceCaller, sink audit.Sink) *Executor {
	return &Executor{
		caller:      caller,
		sink:        sink,
		maxAttempts: 3,
		backoffBase: 200 * time.Millisecond,
		backoffCap:  2 * time.Second,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute attempts every step. Steps the allowlist dropped are recorded as
// skipped; a cancelled context marks the remaining steps skipped rather than
// dropping them silently.
func (e *Executor) Execute(ctx context.Context, plan ActionPlan) ExecutionResult {
	result := ExecutionResult{PlanID: plan.PlanID}

	for _, dropped := range plan.Dropped {
		res := StepResult{Step: dropped.Step, Status: StepSkipped, Error: dropped.Reason}
		result.Results = append(result.Results, res)
		e.record(plan, res)
	}

	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			for _, remaining := range plan.Steps[i:] {
				res := StepResult{Step: remaining, Status: StepSkipped, Error: "request cancelled"}
				result.Results = append(result.Results, res)
				e.record(plan, res)
			}
			break
		}
		res := e.executeStep(ctx, step)
		result.Results = append(result.Results, res)
		e.record(plan, res)
	}
	return result
}

func (e *Executor) executeStep(ctx context.Context, step ActionStep) StepResult {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err := e.caller.CallService(ctx, step.Domain, step.Service, step.Target, step.Params)
		if err == nil {
			return StepResult{
				Step:     step,
				Status:   StepSucceeded,
				Attempts: attempt,
				Latency:  time.Since(start),
			}
		}
		lastErr = err
		if !reliability.IsTransient(err) || attempt == e.maxAttempts {
			return StepResult{
				Step:     step,
				Status:   StepFailed,
				Error:    err.Error(),
				Attempts: attempt,
				Latency:  time.Since(start),
			}
		}
		if err := e.sleep(ctx, reliability.ExponentialBackoff(attempt, e.backoffBase, e.backoffCap)); err != nil {
			return StepResult{
				Step:     step,
				Status:   StepFailed,
				Error:    fmt.Sprintf("cancelled during retry: %v", lastErr),
				Attempts: attempt,
				Latency:  time.Since(start),
			}
		}
	}
	// Unreachable; the loop always returns.
	return StepResult{Step: step, Status: StepFailed, Error: lastErr.Error(), Attempts: e.maxAttempts, Latency: time.Since(start)}
}

func (e *Executor) record(plan ActionPlan, res StepResult) {
	if e.sink == nil {
		return
	}
	rec := audit.Record{
		RecordID:   uuid.NewString(),
		SessionID:  plan.SessionID,
		UserID:     plan.UserID,
		PlanID:     plan.PlanID,
		Intent:     plan.Intent,
		Domain:     res.Step.Domain,
		Service:    res.Step.Service,
		EntityIDs:  res.Step.Target.EntityIDs,
		Outcome:    res.Status,
		Error:      res.Error,
		Attempts:   res.Attempts,
		LatencyMS:  res.Latency.Milliseconds(),
		RecordedAt: time.Now().UTC(),
	}
	if len(res.Step.Params) > 0 {
		rec.Params = make(map[string]string, len(res.Step.Params))
		for k, v := range res.Step.Params {
			rec.Params[k] = fmt.Sprint(v)
		}
	}
	// Audit writes are best effort off the user-facing path.
	if err := e.sink.Append(context.Background(), rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}
