package pipeline

import (
	"strings"

	"github.com/neosignal-dev/openai-proxy-ha/internal/homeassistant"
	"github.com/neosignal-dev/openai-proxy-ha/internal/memory"
)

// ContextResolver maps intent slots to concrete platform identifiers using a
// read-only state snapshot plus recalled memory. An unresolved slot is left
// for the planner to judge; resolution itself never fails a request.
type ContextResolver struct{}

func NewContextResolver() *ContextResolver {
	return &ContextResolver{}
}

// Resolve applies the match ladder to every slot. Tie-breaking order:
// exact entity id, exact friendly name, alias, area name, partial match,
// then a memory-derived default.
func (r *ContextResolver) Resolve(intent Intent, snapshot *homeassistant.Snapshot, recall memory.Recall) ResolvedContext {
	rc := ResolvedContext{
		Intent:          intent,
		Resolved:        make(map[string]SlotValue),
		Snapshot:        snapshot,
		RecalledRecent:  recall.ShortTerm,
		RecalledRelated: recall.LongTerm,
	}

	for name, raw := range intent.Slots {
		if name != "target" && name != "area" && name != "device" {
			// Literal slots (action, value, time) pass through untouched.
			rc.Resolved[name] = SlotValue{Literal: raw}
			continue
		}
		if value, ok := r.resolveTarget(raw, snapshot, recall); ok {
			rc.Resolved[name] = value
			continue
		}
		rc.Unresolved = append(rc.Unresolved, name)
	}
	return rc
}

func (r *ContextResolver) resolveTarget(raw string, snapshot *homeassistant.Snapshot, recall memory.Recall) (SlotValue, bool) {
	needle := strings.ToLower(strings.TrimSpace(raw))
	if needle == "" || snapshot == nil {
		return SlotValue{}, false
	}

	// Exact entity id.
	if entity, ok := snapshot.EntityByID(needle); ok {
		return SlotValue{EntityID: entity.EntityID}, true
	}

	// Exact friendly name.
	for _, e := range snapshot.Entities {
		if strings.ToLower(e.FriendlyName) == needle {
			return SlotValue{EntityID: e.EntityID}, true
		}
	}

	// Alias.
	for _, e := range snapshot.Entities {
		for _, alias := range e.Aliases {
			if strings.ToLower(alias) == needle {
				return SlotValue{EntityID: e.EntityID}, true
			}
		}
	}

	// Area by exact name or id.
	for _, area := range snapshot.Areas {
		if strings.ToLower(area.Name) == needle || strings.ToLower(area.AreaID) == needle {
			return SlotValue{AreaID: area.AreaID}, true
		}
	}

	// Partial match on friendly names. Prefer the entity whose name covers
	// most of the phrase; first match wins ties. Entity ids are excluded
	// here so a raw id only resolves exactly or through memory below.
	var best homeassistant.Entity
	bestScore := 0
	for _, e := range snapshot.Entities {
		score := partialScore(needle, strings.ToLower(e.FriendlyName))
		if score > bestScore {
			bestScore = score
			best = e
		}
	}
	if bestScore > 0 {
		return SlotValue{EntityID: best.EntityID}, true
	}

	// Area mentioned inside a longer phrase ("light in the kitchen").
	for _, area := range snapshot.Areas {
		if name := strings.ToLower(area.Name); name != "" && strings.Contains(needle, name) {
			return SlotValue{AreaID: area.AreaID}, true
		}
	}

	// Memory-derived default: an entity id mentioned in a recalled turn.
	for _, turn := range append(recall.LongTerm, recall.ShortTerm...) {
		lower := strings.ToLower(turn.Content)
		for _, e := range snapshot.Entities {
			if strings.Contains(lower, strings.ToLower(e.EntityID)) && relatedPhrase(needle, e) {
				return SlotValue{EntityID: e.EntityID}, true
			}
		}
	}
	return SlotValue{}, false
}

// partialScore counts how many words of the phrase appear in the candidate.
func partialScore(phrase, candidate string) int {
	if candidate == "" {
		return 0
	}
	score := 0
	for _, word := range strings.Fields(phrase) {
		if len(word) < 3 {
			continue
		}
		if strings.Contains(candidate, word) {
			score++
		}
	}
	return score
}

// relatedPhrase guards memory defaults: the phrase must share at least one
// word with the entity before an old mention is trusted.
func relatedPhrase(phrase string, e homeassistant.Entity) bool {
	return partialScore(phrase, strings.ToLower(e.FriendlyName)) > 0 ||
		partialScore(phrase, strings.ToLower(e.EntityID)) > 0
}
