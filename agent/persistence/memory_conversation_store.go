package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/sapiensly/agentrelay/types"
)

// MemoryConversationStore is an in-memory ConversationStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryConversationStore struct {
	conversations map[string]*ConversationState
	mu            sync.RWMutex
	closed        bool
	now           func() time.Time
}

// NewMemoryConversationStore creates a new in-memory conversation store
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		conversations: make(map[string]*ConversationState),
		now:           time.Now,
	}
}

// Close closes the store
func (s *MemoryConversationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryConversationStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// FindOrCreate returns the conversation, creating it on first use
func (s *MemoryConversationStore) FindOrCreate(ctx context.Context, id string, attrs map[string]any) (*ConversationState, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	st, ok := s.conversations[id]
	if !ok {
		st = newConversationState(id, attrs, s.now())
		s.conversations[id] = st
	}
	if st.Status == ConversationDeleted {
		return nil, ErrConversationDeleted
	}
	return st.Clone(), nil
}

// Get returns the conversation state
func (s *MemoryConversationStore) Get(ctx context.Context, id string) (*ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// RecentMessages returns up to limit trailing messages
func (s *MemoryConversationStore) RecentMessages(ctx context.Context, id string, limit int) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return recent(st.Messages, limit), nil
}

// AppendMessage appends a message
func (s *MemoryConversationStore) AppendMessage(ctx context.Context, id string, msg types.Message) error {
	return s.mutate(id, func(st *ConversationState) error {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = s.now()
		}
		st.Messages = append(st.Messages, msg)
		return nil
	})
}

// PushHandoff pushes an agent id onto the handoff stack
func (s *MemoryConversationStore) PushHandoff(ctx context.Context, id, agentID string) error {
	if agentID == "" {
		return ErrInvalidInput
	}
	return s.mutate(id, func(st *ConversationState) error {
		st.HandoffStack = append(st.HandoffStack, agentID)
		return nil
	})
}

// PopHandoff removes and returns the top of the handoff stack
func (s *MemoryConversationStore) PopHandoff(ctx context.Context, id string) (string, error) {
	var top string
	err := s.mutate(id, func(st *ConversationState) error {
		n := len(st.HandoffStack)
		if n == 0 {
			return ErrNoHandoffToReverse
		}
		top = st.HandoffStack[n-1]
		st.HandoffStack = st.HandoffStack[:n-1]
		return nil
	})
	return top, err
}

// HandoffStack returns a copy of the handoff stack
func (s *MemoryConversationStore) HandoffStack(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), st.HandoffStack...), nil
}

// IncrementReversals bumps the reversal counter
func (s *MemoryConversationStore) IncrementReversals(ctx context.Context, id string) (int, error) {
	var n int
	err := s.mutate(id, func(st *ConversationState) error {
		st.Reversals++
		n = st.Reversals
		return nil
	})
	return n, err
}

// SetActiveAgent records the active agent
func (s *MemoryConversationStore) SetActiveAgent(ctx context.Context, id, agentID string) error {
	return s.mutate(id, func(st *ConversationState) error {
		st.ActiveAgentID = agentID
		return nil
	})
}

// Delete moves the conversation to DELETED
func (s *MemoryConversationStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := s.now()
	st, ok := s.conversations[id]
	if !ok {
		return nil
	}
	st.Status = ConversationDeleted
	st.Messages = nil
	st.HandoffStack = nil
	st.Attributes = nil
	st.UpdatedAt = now
	return nil
}

// lookup must be called with s.mu held
func (s *MemoryConversationStore) lookup(id string) (*ConversationState, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	st, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if st.Status == ConversationDeleted {
		return nil, ErrConversationDeleted
	}
	return st, nil
}

func (s *MemoryConversationStore) mutate(id string, fn func(*ConversationState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	st.UpdatedAt = s.now()
	return nil
}
