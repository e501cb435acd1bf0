// Package protocol defines the wire contract between lexrt clients and the
// realtime event server: the envelope framing, event names, payload shapes
// and the typed errors shared by both sides.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is one frame on a namespace channel. Data is kept raw so that
// routing can happen on the event name before the payload is decoded.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for event. A nil payload
// produces an envelope without data.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// --- Outbound payloads ---

// AuthenticatePayload is sent once per connect cycle to bind an identity.
type AuthenticatePayload struct {
	Identity string `json:"identity"`
}

// StartChatPayload asks the server to open a chat session.
type StartChatPayload struct {
	UserID string `json:"userId"`
}

// ChatTurn is one entry of the conversation history sent with a message.
type ChatTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatMessagePayload sends a new user message on an existing session.
type ChatMessagePayload struct {
	SessionID  string     `json:"sessionId"`
	History    []ChatTurn `json:"history"`
	NewMessage string     `json:"newMessage"`
}

// --- Inbound payloads ---

// AuthSuccessPayload acknowledges a successful authenticate.
type AuthSuccessPayload struct {
	Identity string `json:"identity"`
}

// AuthErrorPayload rejects an authenticate.
type AuthErrorPayload struct {
	Reason string `json:"reason"`
}

// SessionStartedPayload carries the server-assigned session id. It is also
// the body of the upload acknowledgement.
type SessionStartedPayload struct {
	SessionID string `json:"sessionId"`
}

// ChatPartialPayload is one streamed chunk of an assistant reply.
type ChatPartialPayload struct {
	SessionID string `json:"sessionId"`
	Delta     string `json:"delta"`
}

// ChatCompletedPayload ends a chat turn.
type ChatCompletedPayload struct {
	SessionID string `json:"sessionId"`
	FullText  string `json:"fullText"`
}

// SummaryProgressPayload reports summarization progress in percent.
type SummaryProgressPayload struct {
	SessionID string `json:"sessionId"`
	Percent   int    `json:"percent"`
}

// SummaryCompletedPayload ends a summarization with its result.
type SummaryCompletedPayload struct {
	SessionID string `json:"sessionId"`
	Result    string `json:"result"`
}

// FailedPayload ends a chat turn or summarization with an error.
type FailedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// NotificationPayload is a generic server notice not bound to a session.
type NotificationPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// UploadMetadata accompanies an uploaded document.
type UploadMetadata struct {
	Title    string            `json:"title,omitempty"`
	Language string            `json:"language,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}
