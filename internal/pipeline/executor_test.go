package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neosignal-dev/openai-proxy-ha/internal/audit"
	"github.com/neosignal-dev/openai-proxy-ha/internal/homeassistant"
)

// flakyCaller fails a service a fixed number of times before succeeding.
type flakyCaller struct {
	mu       sync.Mutex
	failures map[string]int
	errFor   map[string]error
	calls    []string
}

func newFlakyCaller() *flakyCaller {
	return &flakyCaller{failures: make(map[string]int), errFor: make(map[string]error)}
}

func (c *flakyCaller) failTimes(service string, times int, err error) {
	c.failures[service] = times
	c.errFor[service] = err
}

func (c *flakyCaller) CallService(_ context.Context, domain, service string, _ homeassistant.Target, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := domain + "." + service
	c.calls = append(c.calls, full)
	if c.failures[full] > 0 {
		c.failures[full]--
		return c.errFor[full]
	}
	return nil
}

func (c *flakyCaller) callCount(service string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.calls {
		if s == service {
			n++
		}
	}
	return n
}

type transientErr struct{ msg string }

func (e transientErr) Error() string   { return e.msg }
func (e transientErr) Transient() bool { return true }

func noSleep(context.Context, time.Duration) error { return nil }

func step(domain, service, entity, friendly string) ActionStep {
	return ActionStep{
		Domain:       domain,
		Service:      service,
		Target:       homeassistant.Target{EntityIDs: []string{entity}},
		FriendlyName: friendly,
	}
}

func TestExecutePartialFailure(t *testing.T) {
	caller := newFlakyCaller()
	caller.failTimes("switch.turn_on", 99, errors.New("unknown entity"))
	sink := audit.NewMemorySink()
	exec := NewExecutor(caller, sink)
	exec.sleep = noSleep

	plan := ActionPlan{
		PlanID:    "p1",
		SessionID: "s1",
		Steps: []ActionStep{
			step("light", "turn_on", "light.kitchen", "Kitchen Light"),
			step("switch", "turn_on", "switch.kettle", "Kettle"),
			step("light", "turn_on", "light.bedroom", "Bedroom Light"),
		},
	}
	result := exec.Execute(context.Background(), plan)

	if len(result.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(result.Results))
	}
	if result.Results[0].Status != StepSucceeded || result.Results[2].Status != StepSucceeded {
		t.Fatalf("sibling steps did not run: %+v", result.Results)
	}
	if result.Results[1].Status != StepFailed {
		t.Fatalf("step 2 status = %s, want failed", result.Results[1].Status)
	}
	if result.Results[1].Attempts != 1 {
		t.Fatalf("non-transient failure retried %d times, want 1 attempt", result.Results[1].Attempts)
	}
	if result.Succeeded() {
		t.Fatal("overall result must be failed when any step failed")
	}

	// The composed reply names the failed step by its friendly name.
	reply := NewResponseComposer().Compose(result, ResolvedContext{})
	if !strings.Contains(reply, "Kettle") {
		t.Fatalf("reply %q does not name the failed step", reply)
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	caller := newFlakyCaller()
	caller.failTimes("light.turn_on", 2, transientErr{msg: "connection reset"})
	exec := NewExecutor(caller, audit.NewMemorySink())
	exec.sleep = noSleep

	plan := ActionPlan{PlanID: "p1", Steps: []ActionStep{step("light", "turn_on", "light.kitchen", "Kitchen Light")}}
	result := exec.Execute(context.Background(), plan)

	if result.Results[0].Status != StepSucceeded {
		t.Fatalf("status = %s, want succeeded after retries", result.Results[0].Status)
	}
	if result.Results[0].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", result.Results[0].Attempts)
	}
}

func TestExecuteExhaustsRetriesThenFails(t *testing.T) {
	caller := newFlakyCaller()
	caller.failTimes("light.turn_on", 99, transientErr{msg: "timeout"})
	exec := NewExecutor(caller, audit.NewMemorySink())
	exec.sleep = noSleep

	plan := ActionPlan{PlanID: "p1", Steps: []ActionStep{step("light", "turn_on", "light.kitchen", "Kitchen Light")}}
	result := exec.Execute(context.Background(), plan)

	if result.Results[0].Status != StepFailed {
		t.Fatalf("status = %s, want failed", result.Results[0].Status)
	}
	if got := caller.callCount("light.turn_on"); got != 3 {
		t.Fatalf("platform called %d times, want 3", got)
	}
}

func TestExecuteRecordsDroppedStepsAsSkipped(t *testing.T) {
	caller := newFlakyCaller()
	sink := audit.NewMemorySink()
	exec := NewExecutor(caller, sink)
	exec.sleep = noSleep

	plan := ActionPlan{
		PlanID:    "p1",
		SessionID: "s1",
		Steps:     []ActionStep{step("light", "turn_on", "light.kitchen", "Kitchen Light")},
		Dropped: []DroppedStep{{
			Step:   step("camera", "disable", "camera.porch", "Porch Camera"),
			Reason: "service camera.disable is not permitted",
		}},
	}
	result := exec.Execute(context.Background(), plan)

	if len(result.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(result.Results))
	}
	if result.Results[0].Status != StepSkipped {
		t.Fatalf("dropped step status = %s, want skipped", result.Results[0].Status)
	}
	if caller.callCount("camera.disable") != 0 {
		t.Fatal("dropped step reached the platform")
	}

	records, err := sink.Recent(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("audit recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("audit has %d records, want 2", len(records))
	}
	foundSkip := false
	for _, rec := range records {
		if rec.Outcome == audit.OutcomeSkipped && rec.Service == "disable" {
			foundSkip = true
		}
	}
	if !foundSkip {
		t.Fatal("skipped step missing from the audit trail")
	}
}

func TestExecuteCancelledContextSkipsRemaining(t *testing.T) {
	caller := newFlakyCaller()
	exec := NewExecutor(caller, audit.NewMemorySink())
	exec.sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := ActionPlan{
		PlanID: "p1",
		Steps: []ActionStep{
			step("light", "turn_on", "light.kitchen", "Kitchen Light"),
			step("light", "turn_on", "light.bedroom", "Bedroom Light"),
		},
	}
	result := exec.Execute(ctx, plan)

	if len(result.Results) != 2 {
		t.Fatalf("got %d results, want 2 (remaining steps recorded, not dropped)", len(result.Results))
	}
	for _, res := range result.Results {
		if res.Status != StepSkipped {
			t.Fatalf("status = %s, want skipped for cancelled request", res.Status)
		}
	}
}

func TestExecuteAuditCarriesIntent(t *testing.T) {
	caller := newFlakyCaller()
	sink := audit.NewMemorySink()
	exec := NewExecutor(caller, sink)
	exec.sleep = noSleep

	plan := ActionPlan{
		PlanID:    "p1",
		SessionID: "s1",
		Intent:    IntentHACommand,
		Steps:     []ActionStep{step("light", "turn_on", "light.kitchen", "Kitchen Light")},
	}
	exec.Execute(context.Background(), plan)

	records, err := sink.Recent(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("audit recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("audit has %d records, want 1", len(records))
	}
	if records[0].Intent != IntentHACommand {
		t.Fatalf("audit intent = %q, want %q", records[0].Intent, IntentHACommand)
	}
}
