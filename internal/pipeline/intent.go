package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/neosignal-dev/openai-proxy-ha/internal/llm"
	"github.com/neosignal-dev/openai-proxy-ha/internal/memory"
)

// IntentAnalyzer classifies an utterance, preferring a cheap keyword pass and
// falling back to the language model for everything the keywords miss.
type IntentAnalyzer struct {
	completer     llm.Completer
	confidenceMin float64
}

func NewIntentAnalyzer(completer llm.Completer, confidenceMin float64) *IntentAnalyzer {
	if confidenceMin <= 0 || confidenceMin > 1 {
		confidenceMin = 0.55
	}
	return &IntentAnalyzer{completer: completer, confidenceMin: confidenceMin}
}

type actionKeyword struct {
	phrase string
	action string
}

// Ordered longest-first so "turn on" wins over "on".
var commandActionKeywords = []actionKeyword{
	{"turn on", "turn_on"},
	{"turn off", "turn_off"},
	{"switch on", "turn_on"},
	{"switch off", "turn_off"},
	{"unlock", "unlock"},
	{"lock", "lock"},
	{"open", "open"},
	{"close", "close"},
	{"dim", "dim"},
	{"start", "start"},
	{"stop", "stop"},
	{"set", "set"},
}

var (
	queryKeywords = []string{
		"what is the", "is the", "are the", "how warm", "how cold",
		"what temperature", "status of", "state of",
	}
	memoryQueryKeywords = []string{
		"do you remember", "recall", "last time", "when did i",
	}
	setRuleKeywords = []string{
		"remember that", "from now on", "always", "never",
	}
)

const intentSystemPrompt = `You classify smart-home voice commands.

Intent names:
- ha_command: control a device (turn on the light, open the blinds)
- ha_query: ask about device state (is the light on, what temperature)
- memory_query: ask about past conversations (do you remember)
- set_rule: store a preference (remember that, from now on)
- general_chat: anything else

Reply with JSON only:
{"name": "...", "confidence": 0.0, "slots": {"action": "...", "target": "..."}}

Slots: for ha_command include "action" (turn_on, turn_off, open, close, lock,
unlock, set, start, stop, dim) and "target" (device or area phrase). Omit
slots you cannot fill.`

// Analyze classifies the utterance. An intent below the confidence threshold
// comes back with Ambiguous set rather than as an error, so the caller can
// ask a clarifying question.
func (a *IntentAnalyzer) Analyze(ctx context.Context, utterance string, recalled []memory.DialogTurn) (Intent, error) {
	if intent, ok := a.quickClassify(utterance); ok {
		return a.finish(intent), nil
	}
	return a.finish(a.llmClassify(ctx, utterance, recalled)), nil
}

// Quick runs only the keyword pass, reporting whether it was conclusive.
// Lets the caller decide about spending an LLM call on the fallback.
func (a *IntentAnalyzer) Quick(utterance string) (Intent, bool) {
	intent, ok := a.quickClassify(utterance)
	if !ok {
		return Intent{}, false
	}
	return a.finish(intent), true
}

func (a *IntentAnalyzer) finish(intent Intent) Intent {
	if intent.Confidence < a.confidenceMin {
		intent.Ambiguous = true
	}
	return intent
}

func (a *IntentAnalyzer) quickClassify(utterance string) (Intent, bool) {
	lower := strings.ToLower(strings.TrimSpace(utterance))
	if lower == "" {
		return Intent{Name: IntentUnknown, Confidence: 0}, true
	}

	if containsAny(lower, setRuleKeywords) {
		return Intent{Name: IntentSetRule, Confidence: 0.9}, true
	}
	if containsAny(lower, memoryQueryKeywords) {
		return Intent{Name: IntentMemoryQuery, Confidence: 0.9}, true
	}
	if containsAny(lower, queryKeywords) {
		return Intent{Name: IntentHAQuery, Confidence: 0.8, Slots: map[string]string{"target": queryTarget(lower)}}, true
	}

	for _, kw := range commandActionKeywords {
		if idx := strings.Index(lower, kw.phrase); idx >= 0 {
			slots := map[string]string{"action": kw.action}
			if target := commandTarget(lower[idx+len(kw.phrase):]); target != "" {
				slots["target"] = target
			}
			return Intent{Name: IntentHACommand, Confidence: 0.8, Slots: slots}, true
		}
	}
	return Intent{}, false
}

func (a *IntentAnalyzer) llmClassify(ctx context.Context, utterance string, recalled []memory.DialogTurn) Intent {
	if a.completer == nil {
		return Intent{Name: IntentGeneralChat, Confidence: 0.5}
	}

	user := utterance
	if len(recalled) > 0 {
		var b strings.Builder
		b.WriteString("Recent conversation:\n")
		for _, turn := range recalled {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
		b.WriteString("\nUtterance: ")
		b.WriteString(utterance)
		user = b.String()
	}

	raw, err := a.completer.Complete(ctx, intentSystemPrompt, user)
	if err != nil {
		return Intent{Name: IntentGeneralChat, Confidence: 0.5}
	}

	var parsed struct {
		Name       string            `json:"name"`
		Confidence float64           `json:"confidence"`
		Slots      map[string]string `json:"slots"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil || parsed.Name == "" {
		return Intent{Name: IntentGeneralChat, Confidence: 0.5}
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	return Intent{Name: parsed.Name, Confidence: parsed.Confidence, Slots: parsed.Slots}
}

// commandTarget strips articles and dangling prepositions from the phrase
// after the action keyword.
func commandTarget(rest string) string {
	words := strings.Fields(rest)
	out := words[:0]
	for _, w := range words {
		switch w {
		case "the", "a", "an", "my", "please":
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

func queryTarget(lower string) string {
	for _, kw := range queryKeywords {
		if idx := strings.Index(lower, kw); idx >= 0 {
			return commandTarget(lower[idx+len(kw):])
		}
	}
	return ""
}

// extractJSON trims prose or code fences the model may wrap around the JSON.
func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
