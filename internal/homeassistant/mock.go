package homeassistant

import (
	"context"
	"sync"
)

// MockPlatform is an in-process platform double for tests and local runs.
type MockPlatform struct {
	mu       sync.Mutex
	snapshot *Snapshot
	calls    []MockCall
	failWith map[string]error
}

type MockCall struct {
	Domain  string
	Service string
	Target  Target
	Data    map[string]any
}

func NewMockPlatform(snapshot *Snapshot) *MockPlatform {
	if snapshot == nil {
		snapshot = &Snapshot{}
	}
	return &MockPlatform{
		snapshot: snapshot,
		failWith: make(map[string]error),
	}
}

// FailWith makes subsequent calls to "domain.service" return err.
func (m *MockPlatform) FailWith(service string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith[service] = err
}

func (m *MockPlatform) Snapshot(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, nil
}

func (m *MockPlatform) CallService(_ context.Context, domain, service string, target Target, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Domain: domain, Service: service, Target: target, Data: data})
	if err, ok := m.failWith[domain+"."+service]; ok {
		return err
	}
	return nil
}

func (m *MockPlatform) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
