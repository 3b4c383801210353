package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowsUnderBudget(t *testing.T) {
	l := NewLimiter(3)
	for i := 0; i < 3; i++ {
		ok, wait := l.Allow("u1")
		if !ok || wait != 0 {
			t.Fatalf("request %d: ok=%v wait=%v, want allowed", i, ok, wait)
		}
	}
	ok, wait := l.Allow("u1")
	if ok {
		t.Fatalf("4th request should be rejected")
	}
	if wait <= 0 || wait > time.Minute {
		t.Fatalf("wait = %v, want within (0, 1m]", wait)
	}
}

func TestLimiterIsolatesIdentifiers(t *testing.T) {
	l := NewLimiter(1)
	if ok, _ := l.Allow("u1"); !ok {
		t.Fatalf("u1 first request should pass")
	}
	if ok, _ := l.Allow("u2"); !ok {
		t.Fatalf("u2 should have its own window")
	}
	if ok, _ := l.Allow("u1"); ok {
		t.Fatalf("u1 second request should be rejected")
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l := NewLimiter(1)
	current := time.Now()
	l.now = func() time.Time { return current }

	if ok, _ := l.Allow("u1"); !ok {
		t.Fatalf("first request should pass")
	}
	if ok, _ := l.Allow("u1"); ok {
		t.Fatalf("second request inside window should fail")
	}

	current = current.Add(61 * time.Second)
	if ok, _ := l.Allow("u1"); !ok {
		t.Fatalf("request after window should pass")
	}
}

func TestManagerNamedBudgets(t *testing.T) {
	m := NewManager()
	if ok, _ := m.Check("provider", 1, "default"); !ok {
		t.Fatalf("provider budget should allow first request")
	}
	if ok, _ := m.Check("provider", 1, "default"); ok {
		t.Fatalf("provider budget exhausted, should reject")
	}
	if ok, _ := m.Check("platform", 1, "default"); !ok {
		t.Fatalf("platform budget is independent")
	}
}
