// Package websocket is the realtime gateway: each socket binds to one entity
// instance's broadcast subject, and a small set of message types mirror that
// entity's HTTP mutations.
package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types recognized on a socket. Coordinator sockets accept ping,
// chat, and agent-update; AgentState sockets accept ping and checkpoint-save.
const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeChat           = "chat"
	TypeAgentUpdate    = "agent-update"
	TypeCheckpointSave = "checkpoint-save"
	TypeError          = "error"
)

// Message is the wire envelope for both directions.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage wraps a payload in an envelope stamped with the current time.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}
	return &Message{Type: msgType, Payload: raw, Timestamp: time.Now().UTC()}, nil
}

// ParsePayload unmarshals the payload into v.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message has no payload")
	}
	return json.Unmarshal(m.Payload, v)
}

func errorMessage(detail string) *Message {
	msg, _ := NewMessage(TypeError, map[string]string{"error": detail})
	return msg
}
