package persistence

import (
	"context"
	"time"

	"github.com/sapiensly/agentrelay/types"
)

// NoopConversationStore accepts every write and stores nothing.
// Handoffs still authorize and succeed, but nothing can be reversed.
type NoopConversationStore struct{}

// NewNoopConversationStore creates a store that remembers nothing
func NewNoopConversationStore() *NoopConversationStore {
	return &NoopConversationStore{}
}

func (NoopConversationStore) Close() error                   { return nil }
func (NoopConversationStore) Ping(ctx context.Context) error { return nil }

func (NoopConversationStore) FindOrCreate(ctx context.Context, id string, attrs map[string]any) (*ConversationState, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	return newConversationState(id, attrs, time.Now()), nil
}

func (NoopConversationStore) Get(ctx context.Context, id string) (*ConversationState, error) {
	return newConversationState(id, nil, time.Now()), nil
}

func (NoopConversationStore) RecentMessages(ctx context.Context, id string, limit int) ([]types.Message, error) {
	return []types.Message{}, nil
}

func (NoopConversationStore) AppendMessage(ctx context.Context, id string, msg types.Message) error {
	return nil
}

func (NoopConversationStore) PushHandoff(ctx context.Context, id, agentID string) error {
	return nil
}

func (NoopConversationStore) PopHandoff(ctx context.Context, id string) (string, error) {
	return "", ErrNoHandoffToReverse
}

func (NoopConversationStore) HandoffStack(ctx context.Context, id string) ([]string, error) {
	return []string{}, nil
}

func (NoopConversationStore) IncrementReversals(ctx context.Context, id string) (int, error) {
	return 0, nil
}

func (NoopConversationStore) SetActiveAgent(ctx context.Context, id, agentID string) error {
	return nil
}

func (NoopConversationStore) Delete(ctx context.Context, id string) error {
	return nil
}
