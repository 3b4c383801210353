package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientUtterance    MessageType = "client_utterance"
	TypeClientConfirmation MessageType = "client_confirmation"
	TypeClientControl      MessageType = "client_control"
	TypeAssistantReply     MessageType = "assistant_reply"
	TypeConfirmationNeeded MessageType = "confirmation_required"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientUtterance struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id,omitempty"`
	Text      string      `json:"text"`
	Language  string      `json:"language,omitempty"`
	Device    string      `json:"device,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type ClientConfirmation struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	PlanID    string      `json:"plan_id"`
	Approve   bool        `json:"approve"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type StepOutcome struct {
	Service string `json:"service"`
	Target  string `json:"target,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type AssistantReply struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	Text      string        `json:"text"`
	Intent    string        `json:"intent,omitempty"`
	PlanID    string        `json:"plan_id,omitempty"`
	Outcomes  []StepOutcome `json:"outcomes,omitempty"`
}

type ConfirmationRequired struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	PlanID    string      `json:"plan_id"`
	Prompt    string      `json:"prompt"`
	WindowMS  int64       `json:"window_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientUtterance:
		var msg ClientUtterance
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Text == "" {
			return nil, errors.New("invalid client_utterance")
		}
		return msg, nil
	case TypeClientConfirmation:
		var msg ClientConfirmation
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PlanID == "" {
			return nil, errors.New("invalid client_confirmation")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
