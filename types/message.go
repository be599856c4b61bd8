// Package types defines the shared data model for the visionchat client:
// chat messages, captured frames, and the enums they carry.
package types

import "time"

// Role identifies the author of a chat message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat-log entry. The log is append-only: a message is
// never mutated after creation, and ordering is arrival order.
type Message struct {
	// ID uniquely identifies the message.
	ID string `json:"id"`

	// Role is the author of the message.
	Role Role `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Timestamp is when the message was appended.
	Timestamp time.Time `json:"timestamp"`

	// Confidence is the model's self-reported confidence (0-1).
	// Populated on assistant messages only.
	Confidence float64 `json:"confidence,omitempty"`

	// Latency is the server-side processing time for the response.
	// Populated on assistant messages only.
	Latency time.Duration `json:"latency,omitempty"`
}

// NewUserMessage creates a user message stamped with the current time.
func NewUserMessage(id, content string) Message {
	return Message{
		ID:        id,
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewAssistantMessage creates an assistant message carrying the response
// metadata reported by the analysis service.
func NewAssistantMessage(id, content string, confidence float64, latency time.Duration) Message {
	return Message{
		ID:         id,
		Role:       RoleAssistant,
		Content:    content,
		Timestamp:  time.Now(),
		Confidence: confidence,
		Latency:    latency,
	}
}
