package pipeline

import (
	"context"
	"testing"

	"github.com/neosignal-dev/openai-proxy-ha/internal/llm"
)

func TestAnalyzeQuickClassify(t *testing.T) {
	analyzer := NewIntentAnalyzer(nil, 0.55)
	cases := []struct {
		name       string
		utterance  string
		wantIntent string
		wantAction string
		wantTarget string
	}{
		{
			name:       "turn on command",
			utterance:  "turn on the kitchen light",
			wantIntent: IntentHACommand,
			wantAction: "turn_on",
			wantTarget: "kitchen light",
		},
		{
			name:       "unlock command",
			utterance:  "unlock the front door",
			wantIntent: IntentHACommand,
			wantAction: "unlock",
			wantTarget: "front door",
		},
		{
			name:       "state query",
			utterance:  "is the bedroom light on",
			wantIntent: IntentHAQuery,
		},
		{
			name:       "memory query",
			utterance:  "do you remember what I asked yesterday",
			wantIntent: IntentMemoryQuery,
		},
		{
			name:       "preference rule",
			utterance:  "remember that I like dim light in the evening",
			wantIntent: IntentSetRule,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent, err := analyzer.Analyze(context.Background(), tc.utterance, nil)
			if err != nil {
				t.Fatalf("analyze: %v", err)
			}
			if intent.Name != tc.wantIntent {
				t.Fatalf("intent = %s, want %s", intent.Name, tc.wantIntent)
			}
			if intent.Ambiguous {
				t.Fatal("keyword classification should not be ambiguous")
			}
			if tc.wantAction != "" && intent.Slots["action"] != tc.wantAction {
				t.Fatalf("action slot = %q, want %q", intent.Slots["action"], tc.wantAction)
			}
			if tc.wantTarget != "" && intent.Slots["target"] != tc.wantTarget {
				t.Fatalf("target slot = %q, want %q", intent.Slots["target"], tc.wantTarget)
			}
		})
	}
}

func TestAnalyzeLLMFallback(t *testing.T) {
	completer := llm.NewMockCompleter(`{"name": "ha_command", "confidence": 0.9, "slots": {"action": "turn_off", "target": "tv"}}`)
	analyzer := NewIntentAnalyzer(completer, 0.55)

	intent, err := analyzer.Analyze(context.Background(), "I'd rather not watch anything anymore", nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if completer.Calls() != 1 {
		t.Fatalf("completer called %d times, want 1", completer.Calls())
	}
	if intent.Name != IntentHACommand || intent.Slots["action"] != "turn_off" {
		t.Fatalf("unexpected intent %+v", intent)
	}
}

func TestAnalyzeLLMFencedJSON(t *testing.T) {
	completer := llm.NewMockCompleter("```json\n{\"name\": \"general_chat\", \"confidence\": 0.8}\n```")
	analyzer := NewIntentAnalyzer(completer, 0.55)

	intent, err := analyzer.Analyze(context.Background(), "how was your day", nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if intent.Name != IntentGeneralChat || intent.Confidence != 0.8 {
		t.Fatalf("unexpected intent %+v", intent)
	}
}

func TestAnalyzeAmbiguousBelowThreshold(t *testing.T) {
	completer := llm.NewMockCompleter(`{"name": "ha_command", "confidence": 0.3}`)
	analyzer := NewIntentAnalyzer(completer, 0.55)

	intent, err := analyzer.Analyze(context.Background(), "do the thing with the stuff", nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !intent.Ambiguous {
		t.Fatalf("confidence %.2f below threshold should be ambiguous", intent.Confidence)
	}
}

func TestAnalyzeGarbageLLMOutputFallsBackToChat(t *testing.T) {
	completer := llm.NewMockCompleter("I think the user wants something, hard to say.")
	analyzer := NewIntentAnalyzer(completer, 0.55)

	intent, err := analyzer.Analyze(context.Background(), "hmm", nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if intent.Name != IntentGeneralChat {
		t.Fatalf("intent = %s, want general_chat fallback", intent.Name)
	}
	if !intent.Ambiguous {
		t.Fatal("fallback confidence 0.5 sits below the 0.55 threshold and must be ambiguous")
	}
}

func TestAnalyzeNoCompleterDefaultsToChat(t *testing.T) {
	analyzer := NewIntentAnalyzer(nil, 0.4)
	intent, err := analyzer.Analyze(context.Background(), "tell me something nice", nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if intent.Name != IntentGeneralChat {
		t.Fatalf("intent = %s, want general_chat", intent.Name)
	}
}
