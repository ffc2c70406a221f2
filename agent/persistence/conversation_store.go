package persistence

import (
	"context"
	"time"

	"github.com/sapiensly/agentrelay/types"
)

// ConversationStatus is the lifecycle state of a conversation.
// UNINITIALIZED is represented by absence from the store.
type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "active"
	ConversationDeleted ConversationStatus = "deleted"
)

// ConversationState is the persisted state of one conversation.
//
// HandoffStack holds the agents that were active before each handoff,
// most recent last. ActiveAgentID is the agent currently handling the
// conversation.
type ConversationState struct {
	ID            string             `json:"id"`
	Attributes    map[string]any     `json:"attributes,omitempty"`
	Messages      []types.Message    `json:"messages"`
	HandoffStack  []string           `json:"handoff_stack"`
	Reversals     int                `json:"reversals"`
	ActiveAgentID string             `json:"active_agent_id,omitempty"`
	Status        ConversationStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Attributes != nil {
		out.Attributes = make(map[string]any, len(s.Attributes))
		for k, v := range s.Attributes {
			out.Attributes[k] = v
		}
	}
	out.Messages = append([]types.Message(nil), s.Messages...)
	out.HandoffStack = append([]string(nil), s.HandoffStack...)
	return &out
}

// newConversationState builds the ACTIVE state for a first use.
func newConversationState(id string, attrs map[string]any, now time.Time) *ConversationState {
	st := &ConversationState{
		ID:           id,
		Messages:     []types.Message{},
		HandoffStack: []string{},
		Status:       ConversationActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(attrs) > 0 {
		st.Attributes = make(map[string]any, len(attrs))
		for k, v := range attrs {
			st.Attributes[k] = v
		}
	}
	return st
}

// recent returns at most limit trailing messages; limit <= 0 means all.
func recent(msgs []types.Message, limit int) []types.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]types.Message(nil), msgs...)
}

// ConversationStore persists conversation state keyed by conversation id.
//
// Every implementation is safe for concurrent use. Operations on a deleted
// conversation fail with ErrConversationDeleted; operations other than
// FindOrCreate on an unknown conversation fail with ErrNotFound.
type ConversationStore interface {
	Store

	// FindOrCreate returns the conversation, creating it with attrs on first use.
	FindOrCreate(ctx context.Context, id string, attrs map[string]any) (*ConversationState, error)

	// Get returns the conversation state.
	Get(ctx context.Context, id string) (*ConversationState, error)

	// RecentMessages returns up to limit trailing messages in order.
	RecentMessages(ctx context.Context, id string, limit int) ([]types.Message, error)

	// AppendMessage appends a message to the conversation.
	AppendMessage(ctx context.Context, id string, msg types.Message) error

	// PushHandoff pushes an agent id onto the handoff stack.
	PushHandoff(ctx context.Context, id, agentID string) error

	// PopHandoff removes and returns the top of the handoff stack.
	// An empty stack fails with ErrNoHandoffToReverse.
	PopHandoff(ctx context.Context, id string) (string, error)

	// HandoffStack returns a copy of the stack, oldest first.
	HandoffStack(ctx context.Context, id string) ([]string, error)

	// IncrementReversals bumps the reversal counter and returns the new value.
	IncrementReversals(ctx context.Context, id string) (int, error)

	// SetActiveAgent records the agent currently handling the conversation.
	SetActiveAgent(ctx context.Context, id, agentID string) error

	// Delete moves the conversation to the terminal DELETED state.
	// Unknown ids are ignored.
	Delete(ctx context.Context, id string) error
}
