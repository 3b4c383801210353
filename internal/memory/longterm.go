package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemLongTerm is the embedded vector index for durable memories. Each
// owner (user, or session when the user is anonymous) gets its own
// collection so recalls never cross tenants.
type ChromemLongTerm struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func NewChromemLongTerm() *ChromemLongTerm {
	return &ChromemLongTerm{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (s *ChromemLongTerm) collection(ownerID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[ownerID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[ownerID]; ok {
		return col, nil
	}

	name := "owner_" + ownerID
	if ownerID == "" {
		name = "global"
	}
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[ownerID] = col
	return col, nil
}

func (s *ChromemLongTerm) Add(ctx context.Context, turn DialogTurn, embedding []float32) error {
	col, err := s.collection(ownerKey(turn))
	if err != nil {
		return err
	}

	meta := map[string]string{
		"session_id":  turn.SessionID,
		"user_id":     turn.UserID,
		"seq":         strconv.FormatInt(turn.Seq, 10),
		"role":        string(turn.Role),
		"memory_type": string(turn.MemoryType),
		"importance":  string(turn.Importance),
		"created_at":  turn.CreatedAt.Format(time.RFC3339Nano),
	}
	if turn.ExpiresAt != nil {
		meta["expires_at"] = turn.ExpiresAt.Format(time.RFC3339Nano)
	}

	doc := chromem.Document{
		ID:        turn.TurnID,
		Content:   turn.Content,
		Embedding: embedding,
		Metadata:  meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (s *ChromemLongTerm) Search(ctx context.Context, ownerID string, embedding []float32, limit int, now time.Time) ([]DialogTurn, error) {
	col, err := s.collection(ownerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 3
	}

	// chromem rejects nResults larger than the collection, so shrink the
	// limit until the query succeeds or the collection proves empty.
	var results []chromem.Result
	for current := limit; current >= 1; current-- {
		results, err = col.QueryEmbedding(ctx, embedding, current, nil, nil)
		if err == nil {
			break
		}
		if isInsufficientDocs(err) {
			if current == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	turns := make([]DialogTurn, 0, len(results))
	for _, res := range results {
		turn, err := turnFromResult(res)
		if err != nil {
			continue
		}
		if turn.Expired(now) {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *ChromemLongTerm) Count(_ context.Context, ownerID string) (int, error) {
	s.mu.RLock()
	col, ok := s.collections[ownerID]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return col.Count(), nil
}

// Close is a no-op; chromem keeps everything in process memory.
func (s *ChromemLongTerm) Close() error { return nil }

// ownerKey scopes long-term memory to the user, falling back to the session
// for anonymous callers.
func ownerKey(turn DialogTurn) string {
	if turn.UserID != "" {
		return turn.UserID
	}
	return turn.SessionID
}

func turnFromResult(res chromem.Result) (DialogTurn, error) {
	seq, err := strconv.ParseInt(res.Metadata["seq"], 10, 64)
	if err != nil {
		return DialogTurn{}, fmt.Errorf("parse seq: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, res.Metadata["created_at"])
	if err != nil {
		return DialogTurn{}, fmt.Errorf("parse created_at: %w", err)
	}

	turn := DialogTurn{
		TurnID:     res.ID,
		SessionID:  res.Metadata["session_id"],
		UserID:     res.Metadata["user_id"],
		Seq:        seq,
		Role:       Role(res.Metadata["role"]),
		Content:    res.Content,
		MemoryType: MemoryType(res.Metadata["memory_type"]),
		Importance: Importance(res.Metadata["importance"]),
		CreatedAt:  created,
	}
	if raw, ok := res.Metadata["expires_at"]; ok && raw != "" {
		if expires, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			turn.ExpiresAt = &expires
		}
	}
	return turn, nil
}

func isInsufficientDocs(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
