package audit

import (
	"context"
	"sync"
	"time"
)

// Record is one append-only entry describing a service call the proxy
// attempted on behalf of a user.
type Record struct {
	RecordID   string            `json:"record_id"`
	SessionID  string            `json:"session_id"`
	UserID     string            `json:"user_id"`
	PlanID     string            `json:"plan_id"`
	Intent     string            `json:"intent,omitempty"`
	Domain     string            `json:"domain"`
	Service    string            `json:"service"`
	EntityIDs  []string          `json:"entity_ids"`
	Params     map[string]string `json:"params,omitempty"`
	Outcome    string            `json:"outcome"`
	Error      string            `json:"error,omitempty"`
	Attempts   int               `json:"attempts"`
	LatencyMS  int64             `json:"latency_ms"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Outcomes for executed plan steps.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Sink receives records. Appends must never mutate or delete prior entries.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}

// MemorySink keeps records in process for local runs and tests.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemorySink) Recent(_ context.Context, sessionID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if sessionID != "" && s.records[i].SessionID != sessionID {
			continue
		}
		out = append(out, s.records[i])
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemorySink) Close() error { return nil }
