package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter keyed by caller identifier.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	requests  map[string][]time.Time
	now       func() time.Time
}

func NewLimiter(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Limiter{
		perMinute: perMinute,
		requests:  make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Allow reports whether one more request for id fits in the current window,
// and the wait until the next slot frees up when it does not.
func (l *Limiter) Allow(id string) (bool, time.Duration) {
	if id == "" {
		id = "default"
	}
	now := l.now()
	cutoff := now.Add(-time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.requests[id]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) < l.perMinute {
		l.requests[id] = append(kept, now)
		return true, 0
	}

	l.requests[id] = kept
	wait := time.Minute - now.Sub(kept[0])
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

// Manager holds named limiters: one global admission budget plus
// per-dependency sub-budgets (provider, platform).
type Manager struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

func NewManager() *Manager {
	return &Manager{limiters: make(map[string]*Limiter)}
}

func (m *Manager) limiter(name string, perMinute int) *Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[name]
	if !ok {
		l = NewLimiter(perMinute)
		m.limiters[name] = l
	}
	return l
}

// Check consumes one slot from the named budget for id. The budget is created
// with the given rate on first use.
func (m *Manager) Check(name string, perMinute int, id string) (bool, time.Duration) {
	return m.limiter(name, perMinute).Allow(id)
}
