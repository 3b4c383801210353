package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neosignal-dev/openai-proxy-ha/internal/llm"
	"github.com/neosignal-dev/openai-proxy-ha/internal/policy"
)

// WriteRequest carries one turn into the manager. TurnID, Seq and CreatedAt
// are assigned internally.
type WriteRequest struct {
	SessionID string
	UserID    string
	Role      Role
	Content   string
	Meta      map[string]string
}

// Stats is the snapshot served by the admin endpoint.
type Stats struct {
	ShortTermTurns   int   `json:"short_term_turns"`
	LongTermTurns    int   `json:"long_term_turns"`
	LongTermDegraded bool  `json:"long_term_degraded"`
	ExpiredDeleted   int64 `json:"expired_deleted_total"`
}

// Manager is the single entry point for memory reads and writes. Writes to
// the same session are serialized so sequence numbers stay monotonic; the
// long-term index is best effort and its failure never blocks a reply.
type Manager struct {
	shortTerm ShortTermStore
	longTerm  LongTermStore
	embedder  llm.Embedder
	retention *RetentionPolicy

	mu       sync.Mutex
	sessions map[string]*sessionState

	degradedOnce sync.Once
	degradedMu   sync.RWMutex
	degraded     bool
	onDegrade    func()

	expiredMu      sync.Mutex
	expiredDeleted int64
}

type sessionState struct {
	mu      sync.Mutex
	nextSeq int64
}

func NewManager(shortTerm ShortTermStore, longTerm LongTermStore, embedder llm.Embedder, retention *RetentionPolicy) *Manager {
	if retention == nil {
		retention = NewRetentionPolicy(nil)
	}
	return &Manager{
		shortTerm: shortTerm,
		longTerm:  longTerm,
		embedder:  embedder,
		retention: retention,
		sessions:  make(map[string]*sessionState),
	}
}

func (m *Manager) session(sessionID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok {
		state = &sessionState{nextSeq: -1}
		m.sessions[sessionID] = state
	}
	return state
}

// Write persists one turn. The short-term window always receives it; the
// long-term index only when the retention policy qualifies it.
func (m *Manager) Write(ctx context.Context, req WriteRequest) (DialogTurn, error) {
	if req.SessionID == "" {
		return DialogTurn{}, fmt.Errorf("write turn: empty session id")
	}

	state := m.session(req.SessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.nextSeq < 0 {
		last, err := m.shortTerm.LastSeq(ctx, req.SessionID)
		if err != nil {
			return DialogTurn{}, fmt.Errorf("load last seq: %w", err)
		}
		state.nextSeq = last + 1
	}

	content, _ := policy.RedactPII(req.Content)
	turn := DialogTurn{
		TurnID:    uuid.NewString(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Seq:       state.nextSeq,
		Role:      req.Role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	m.retention.Apply(&turn, req.Meta)

	if err := m.shortTerm.Append(ctx, turn); err != nil {
		return DialogTurn{}, fmt.Errorf("append short-term: %w", err)
	}
	state.nextSeq++

	if m.longTerm != nil && m.embedder != nil && m.retention.QualifiesLongTerm(turn.Importance) {
		if err := m.indexLongTerm(ctx, turn); err != nil {
			m.markDegraded(err)
		}
	}
	return turn, nil
}

func (m *Manager) indexLongTerm(ctx context.Context, turn DialogTurn) error {
	embedding, err := m.embedder.Embed(ctx, turn.Content)
	if err != nil {
		return fmt.Errorf("embed turn: %w", err)
	}
	if err := m.longTerm.Add(ctx, turn, embedding); err != nil {
		return fmt.Errorf("index turn: %w", err)
	}
	return nil
}

// SetDegradeHook registers a callback fired on the first long-term failure,
// for wiring a metrics gauge. Must be set before traffic arrives.
func (m *Manager) SetDegradeHook(hook func()) {
	m.degradedMu.Lock()
	defer m.degradedMu.Unlock()
	m.onDegrade = hook
}

// markDegraded logs the first long-term failure once and flips the flag that
// Stats exposes. Later failures stay silent to keep the hot path quiet.
func (m *Manager) markDegraded(err error) {
	m.degradedMu.Lock()
	m.degraded = true
	hook := m.onDegrade
	m.degradedMu.Unlock()
	m.degradedOnce.Do(func() {
		log.Printf("long-term memory degraded, continuing without it: %v", err)
		if hook != nil {
			hook()
		}
	})
}

// Read assembles the recall for one utterance: the recent window plus the
// most similar long-term turns. A long-term failure degrades to short-term
// only, never to an error.
func (m *Manager) Read(ctx context.Context, q Query) (Recall, error) {
	recall := Recall{}

	shortTerm, err := m.shortTerm.Recent(ctx, q.SessionID, q.MaxShortTerm)
	if err != nil {
		return Recall{}, fmt.Errorf("recent turns: %w", err)
	}
	recall.ShortTerm = shortTerm

	if m.longTerm == nil || m.embedder == nil || q.Utterance == "" || q.MaxLongTerm <= 0 {
		return recall, nil
	}

	owner := q.UserID
	if owner == "" {
		owner = q.SessionID
	}
	embedding, err := m.embedder.Embed(ctx, q.Utterance)
	if err != nil {
		m.markDegraded(err)
		return recall, nil
	}
	longTerm, err := m.longTerm.Search(ctx, owner, embedding, q.MaxLongTerm, time.Now().UTC())
	if err != nil {
		m.markDegraded(err)
		return recall, nil
	}

	// Drop long-term hits already present in the window.
	seen := make(map[string]struct{}, len(shortTerm))
	for _, t := range shortTerm {
		seen[t.TurnID] = struct{}{}
	}
	for _, t := range longTerm {
		if _, dup := seen[t.TurnID]; dup {
			continue
		}
		recall.LongTerm = append(recall.LongTerm, t)
	}
	return recall, nil
}

// Stats reports store sizes for the given owner scope.
func (m *Manager) Stats(ctx context.Context, sessionID, userID string) (Stats, error) {
	stats := Stats{}

	count, err := m.shortTerm.Count(ctx, sessionID)
	if err != nil {
		return Stats{}, fmt.Errorf("short-term count: %w", err)
	}
	stats.ShortTermTurns = count

	if m.longTerm != nil {
		owner := userID
		if owner == "" {
			owner = sessionID
		}
		longCount, err := m.longTerm.Count(ctx, owner)
		if err == nil {
			stats.LongTermTurns = longCount
		}
	}

	m.degradedMu.RLock()
	stats.LongTermDegraded = m.degraded
	m.degradedMu.RUnlock()

	m.expiredMu.Lock()
	stats.ExpiredDeleted = m.expiredDeleted
	m.expiredMu.Unlock()
	return stats, nil
}

// CleanupExpired removes turns whose retention window elapsed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	deleted, err := m.shortTerm.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	if deleted > 0 {
		m.expiredMu.Lock()
		m.expiredDeleted += int64(deleted)
		m.expiredMu.Unlock()
	}
	return deleted, nil
}

// StartJanitor sweeps expired turns on the given interval until ctx ends.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if deleted, err := m.CleanupExpired(ctx); err != nil {
					log.Printf("memory janitor sweep failed: %v", err)
				} else if deleted > 0 {
					log.Printf("memory janitor deleted %d expired turns", deleted)
				}
			}
		}
	}()
}

// Close releases both stores.
func (m *Manager) Close() error {
	var firstErr error
	if err := m.shortTerm.Close(); err != nil {
		firstErr = err
	}
	if m.longTerm != nil {
		if err := m.longTerm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
