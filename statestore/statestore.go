// Package statestore provides chat log persistence for analysis sessions.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/studiolens/visionchat/types"
)

// ErrNotFound is returned when a conversation doesn't exist in the store.
var ErrNotFound = errors.New("conversation not found")

// ErrInvalidID is returned when an invalid conversation ID is provided.
var ErrInvalidID = errors.New("invalid conversation ID")

// ErrInvalidState is returned when a conversation state is invalid.
var ErrInvalidState = errors.New("invalid conversation state")

// ConversationState is one session's chat log. Messages are append-only
// and ordered by arrival.
type ConversationState struct {
	// ID identifies the conversation, normally the session ID.
	ID string `json:"id"`

	// Messages holds the user prompts and assistant responses in arrival
	// order.
	Messages []types.Message `json:"messages"`

	// UpdatedAt is set by the store on every save.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface for chat log storage.
type Store interface {
	// Load retrieves a conversation state by ID. Returns ErrNotFound if
	// the conversation doesn't exist.
	Load(ctx context.Context, id string) (*ConversationState, error)

	// Save persists a conversation state, replacing any prior state.
	Save(ctx context.Context, state *ConversationState) error

	// AppendMessages appends messages to the conversation's log, creating
	// the conversation if it doesn't exist.
	AppendMessages(ctx context.Context, id string, messages []types.Message) error

	// Clear removes the conversation. Clearing a missing conversation is
	// not an error.
	Clear(ctx context.Context, id string) error
}

// deepCopyState creates a deep copy of a conversation state via JSON
// round-trip, so callers can't mutate stored data.
func deepCopyState(state *ConversationState) *ConversationState {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil
	}
	var copied ConversationState
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil
	}
	return &copied
}
