package memory

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MemoryType string

const (
	TypeConversation MemoryType = "conversation"
	TypePreference   MemoryType = "preference"
	TypeFact         MemoryType = "fact"
	TypeCommand      MemoryType = "command_history"
)

type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceMedium   Importance = "medium"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

// Rank orders importance levels for threshold comparisons.
func (i Importance) Rank() int {
	switch i {
	case ImportanceLow:
		return 1
	case ImportanceMedium:
		return 2
	case ImportanceHigh:
		return 3
	case ImportanceCritical:
		return 4
	default:
		return 0
	}
}

// DialogTurn is one persisted utterance or reply. Immutable once written;
// MemoryType, Importance and ExpiresAt are assigned by the retention policy
// at write time.
type DialogTurn struct {
	TurnID     string     `json:"turn_id"`
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	Seq        int64      `json:"seq"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	MemoryType MemoryType `json:"memory_type"`
	Importance Importance `json:"importance"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the turn's retention window has elapsed.
func (t DialogTurn) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// ShortTermStore is the ordered per-session window of recent turns.
type ShortTermStore interface {
	Append(ctx context.Context, turn DialogTurn) error
	Recent(ctx context.Context, sessionID string, limit int) ([]DialogTurn, error)
	LastSeq(ctx context.Context, sessionID string) (int64, error)
	Count(ctx context.Context, sessionID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// LongTermStore is the vector-indexed store of semantically important turns.
type LongTermStore interface {
	Add(ctx context.Context, turn DialogTurn, embedding []float32) error
	Search(ctx context.Context, ownerID string, embedding []float32, limit int, now time.Time) ([]DialogTurn, error)
	Count(ctx context.Context, ownerID string) (int, error)
	Close() error
}

// Query is the per-request read shape built by the manager.
type Query struct {
	SessionID    string
	UserID       string
	Utterance    string
	MaxShortTerm int
	MaxLongTerm  int
}

// Recall is what the pipeline receives from one memory read.
type Recall struct {
	ShortTerm []DialogTurn
	LongTerm  []DialogTurn
}
