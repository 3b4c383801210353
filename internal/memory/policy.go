package memory

import (
	"strings"
	"time"
)

// Classifier assigns a memory type and importance to a turn. The concrete
// rule set is a strategy so deployments can swap in model-assisted
// classification without touching the stores.
type Classifier interface {
	Classify(role Role, content string, meta map[string]string) (MemoryType, Importance)
}

// RetentionPolicy decides how long a turn is kept and whether it qualifies
// for the long-term index.
type RetentionPolicy struct {
	classifier        Classifier
	longTermThreshold Importance
	retention         map[Importance]time.Duration
}

func NewRetentionPolicy(classifier Classifier) *RetentionPolicy {
	if classifier == nil {
		classifier = RuleClassifier{}
	}
	return &RetentionPolicy{
		classifier:        classifier,
		longTermThreshold: ImportanceMedium,
		retention: map[Importance]time.Duration{
			ImportanceLow:      24 * time.Hour,
			ImportanceMedium:   7 * 24 * time.Hour,
			ImportanceHigh:     30 * 24 * time.Hour,
			ImportanceCritical: 0, // permanent
		},
	}
}

// Apply classifies the turn and stamps its expiry. Pre-set memory types are
// respected so callers can force preference/command records.
func (p *RetentionPolicy) Apply(turn *DialogTurn, meta map[string]string) {
	if turn.MemoryType == "" || turn.Importance == "" {
		memType, importance := p.classifier.Classify(turn.Role, turn.Content, meta)
		if turn.MemoryType == "" {
			turn.MemoryType = memType
		}
		if turn.Importance == "" {
			turn.Importance = importance
		}
	}

	ttl, ok := p.retention[turn.Importance]
	if !ok {
		ttl = p.retention[ImportanceLow]
	}
	if ttl > 0 {
		expires := turn.CreatedAt.Add(ttl)
		turn.ExpiresAt = &expires
	} else {
		turn.ExpiresAt = nil
	}
}

// QualifiesLongTerm reports whether the importance clears the long-term bar.
func (p *RetentionPolicy) QualifiesLongTerm(importance Importance) bool {
	return importance.Rank() >= p.longTermThreshold.Rank()
}

// RuleClassifier is the default keyword-based classification strategy.
type RuleClassifier struct{}

var (
	preferenceKeywords = []string{
		"remember that", "from now on", "always", "never", "prefer", "my favorite",
		"i like", "i don't like", "call me",
	}
	factKeywords = []string{
		"is located", "lives in", "my name is", "is called", "means",
	}
	commandKeywords = []string{
		"turn on", "turn off", "switch on", "switch off", "open", "close",
		"lock", "unlock", "set", "start", "stop", "dim",
	}
	emphasisKeywords = []string{
		"important", "remember", "don't forget", "must",
	}
)

func (RuleClassifier) Classify(role Role, content string, meta map[string]string) (MemoryType, Importance) {
	lower := strings.ToLower(content)

	if containsAny(lower, preferenceKeywords) {
		return TypePreference, ImportanceCritical
	}
	if meta["intent"] == "ha_command" || (role == RoleUser && containsAny(lower, commandKeywords)) {
		return TypeCommand, ImportanceHigh
	}
	if containsAny(lower, factKeywords) {
		return TypeFact, ImportanceHigh
	}
	if containsAny(lower, emphasisKeywords) {
		return TypeConversation, ImportanceHigh
	}
	if len(content) > 100 {
		return TypeConversation, ImportanceMedium
	}
	return TypeConversation, ImportanceLow
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
