package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind distinguishes addressed requests, correlated responses and topic broadcasts.
type MessageKind string

const (
	MessageRequest   MessageKind = "request"
	MessageResponse  MessageKind = "response"
	MessageBroadcast MessageKind = "broadcast"
)

// Message is routed by the bus. Immutable once sent.
type Message struct {
	ID            string          `json:"id"`
	From          string          `json:"from"`
	To            string          `json:"to,omitempty"`
	Kind          MessageKind     `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	StoryID       string          `json:"story_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Validate checks the routing fields required for the message kind.
func (m Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("message from is required")
	}
	switch m.Kind {
	case MessageRequest:
		if m.To == "" {
			return fmt.Errorf("request message requires a target")
		}
		if m.CorrelationID == "" {
			return fmt.Errorf("request message requires a correlation id")
		}
	case MessageResponse:
		if m.CorrelationID == "" {
			return fmt.Errorf("response message requires a correlation id")
		}
	case MessageBroadcast:
		if m.Topic == "" {
			return fmt.Errorf("broadcast message requires a topic")
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// Summary is a short single-line description for audit logs.
func (m Message) Summary() string {
	const max = 160
	s := string(m.Payload)
	if len(s) > max {
		s = s[:max] + "…"
	}
	if m.Topic != "" {
		return fmt.Sprintf("topic=%s %s", m.Topic, s)
	}
	return s
}
