package memory

import (
	"context"
	"sync"
	"time"
)

// InMemoryShortTerm is the in-process short-term store for local/dev use and
// tests. It keeps at most window turns per session.
type InMemoryShortTerm struct {
	mu     sync.RWMutex
	window int
	turns  map[string][]DialogTurn
}

func NewInMemoryShortTerm(window int) *InMemoryShortTerm {
	if window <= 0 {
		window = 20
	}
	return &InMemoryShortTerm{
		window: window,
		turns:  make(map[string][]DialogTurn),
	}
}

func (s *InMemoryShortTerm) Append(_ context.Context, turn DialogTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.turns[turn.SessionID], turn)
	if len(arr) > s.window {
		arr = arr[len(arr)-s.window:]
	}
	s.turns[turn.SessionID] = arr
	return nil
}

func (s *InMemoryShortTerm) Recent(_ context.Context, sessionID string, limit int) ([]DialogTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]DialogTurn, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryShortTerm) LastSeq(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return 0, nil
	}
	return arr[len(arr)-1].Seq, nil
}

func (s *InMemoryShortTerm) Count(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns[sessionID]), nil
}

func (s *InMemoryShortTerm) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for session, arr := range s.turns {
		kept := arr[:0]
		for _, turn := range arr {
			if turn.Expired(now) {
				deleted++
				continue
			}
			kept = append(kept, turn)
		}
		s.turns[session] = kept
	}
	return deleted, nil
}

func (s *InMemoryShortTerm) Close() error { return nil }
