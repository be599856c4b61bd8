package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/studiolens/visionchat/types"
)

// MemoryStore is a thread-safe in-memory Store, suitable for a
// single-process client session.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*ConversationState
}

// NewMemoryStore creates a new in-memory chat log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*ConversationState)}
}

// Load retrieves a conversation state by ID.
// Returns a deep copy to prevent external mutations.
func (s *MemoryStore) Load(ctx context.Context, id string) (*ConversationState, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.states[id]
	if !exists {
		return nil, ErrNotFound
	}
	return deepCopyState(state), nil
}

// Save persists a conversation state. If it already exists, it is replaced.
func (s *MemoryStore) Save(ctx context.Context, state *ConversationState) error {
	if state == nil {
		return ErrInvalidState
	}
	if state.ID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a deep copy to prevent external mutations.
	stateCopy := deepCopyState(state)
	stateCopy.UpdatedAt = time.Now()
	s.states[state.ID] = stateCopy
	return nil
}

// AppendMessages appends messages to the conversation's log in arrival
// order, creating the conversation if it doesn't exist.
func (s *MemoryStore) AppendMessages(ctx context.Context, id string, messages []types.Message) error {
	if id == "" {
		return ErrInvalidID
	}
	if len(messages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.states[id]
	if !exists {
		state = &ConversationState{ID: id}
		s.states[id] = state
	}
	state.Messages = append(state.Messages, messages...)
	state.UpdatedAt = time.Now()
	return nil
}

// Clear removes the conversation's log. Clearing a missing conversation
// is a no-op.
func (s *MemoryStore) Clear(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, id)
	return nil
}
