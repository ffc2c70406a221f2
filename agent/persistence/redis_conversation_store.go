package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sapiensly/agentrelay/types"
)

// deletedRetention keeps DELETED tombstones around long enough to reject reuse.
const deletedRetention = 7 * 24 * time.Hour

// RedisConversationStore is a Redis-based implementation of ConversationStore.
// Each conversation is one JSON document; mutations run as WATCH/MULTI
// optimistic transactions so concurrent writers on different nodes never
// lose an update.
type RedisConversationStore struct {
	client     *redis.Client
	keyPrefix  string
	ttl        time.Duration
	maxRetries int
	owned      bool
	now        func() time.Time
}

// NewRedisConversationStore creates a store on an existing client.
// Close does not close the shared client.
func NewRedisConversationStore(client *redis.Client, config StoreConfig) *RedisConversationStore {
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentrelay:conv:"
	}
	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &RedisConversationStore{
		client:     client,
		keyPrefix:  keyPrefix,
		ttl:        config.TTL,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// DialRedisConversationStore connects to Redis and creates a store owning the client
func DialRedisConversationStore(ctx context.Context, opts *redis.Options, config StoreConfig) (*RedisConversationStore, error) {
	client := redis.NewClient(opts)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := NewRedisConversationStore(client, config)
	store.owned = true
	return store, nil
}

// Close closes the store
func (s *RedisConversationStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// Ping checks if the store is healthy
func (s *RedisConversationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// conversationKey returns the Redis key for a conversation
func (s *RedisConversationStore) conversationKey(id string) string {
	return s.keyPrefix + id
}

// FindOrCreate returns the conversation, creating it on first use
func (s *RedisConversationStore) FindOrCreate(ctx context.Context, id string, attrs map[string]any) (*ConversationState, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}

	fresh := newConversationState(id, attrs, s.now())
	data, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.conversationKey(id), data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	if created {
		return fresh, nil
	}
	return s.Get(ctx, id)
}

// Get returns the conversation state
func (s *RedisConversationStore) Get(ctx context.Context, id string) (*ConversationState, error) {
	data, err := s.client.Get(ctx, s.conversationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return decodeState(data)
}

// RecentMessages returns up to limit trailing messages
func (s *RedisConversationStore) RecentMessages(ctx context.Context, id string, limit int) ([]types.Message, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return recent(st.Messages, limit), nil
}

// AppendMessage appends a message
func (s *RedisConversationStore) AppendMessage(ctx context.Context, id string, msg types.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	return s.update(ctx, id, func(st *ConversationState) error {
		st.Messages = append(st.Messages, msg)
		return nil
	})
}

// PushHandoff pushes an agent id onto the handoff stack
func (s *RedisConversationStore) PushHandoff(ctx context.Context, id, agentID string) error {
	if agentID == "" {
		return ErrInvalidInput
	}
	return s.update(ctx, id, func(st *ConversationState) error {
		st.HandoffStack = append(st.HandoffStack, agentID)
		return nil
	})
}

// PopHandoff removes and returns the top of the handoff stack
func (s *RedisConversationStore) PopHandoff(ctx context.Context, id string) (string, error) {
	var top string
	err := s.update(ctx, id, func(st *ConversationState) error {
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
func (s *RedisConversationStore) HandoffStack(ctx context.Context, id string) ([]string, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.HandoffStack, nil
}

// IncrementReversals bumps the reversal counter
func (s *RedisConversationStore) IncrementReversals(ctx context.Context, id string) (int, error) {
	var n int
	err := s.update(ctx, id, func(st *ConversationState) error {
		st.Reversals++
		n = st.Reversals
		return nil
	})
	return n, err
}

// SetActiveAgent records the active agent
func (s *RedisConversationStore) SetActiveAgent(ctx context.Context, id, agentID string) error {
	return s.update(ctx, id, func(st *ConversationState) error {
		st.ActiveAgentID = agentID
		return nil
	})
}

// Delete replaces the conversation with a DELETED tombstone
func (s *RedisConversationStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}

	now := s.now()
	tombstone := &ConversationState{
		ID:        id,
		Status:    ConversationDeleted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(tombstone)
	if err != nil {
		return fmt.Errorf("failed to marshal tombstone: %w", err)
	}

	key := s.conversationKey(id)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, deletedRetention)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("conversation %s: %w after %d attempts", id, ErrStoreConflict, s.maxRetries)
}

// update applies fn inside a WATCH/MULTI transaction, retrying on conflicts
func (s *RedisConversationStore) update(ctx context.Context, id string, fn func(*ConversationState) error) error {
	key := s.conversationKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		st, err := decodeState(data)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		st.UpdatedAt = s.now()

		out, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("conversation %s: %w after %d attempts", id, ErrStoreConflict, s.maxRetries)
}

func decodeState(data []byte) (*ConversationState, error) {
	var st ConversationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	if st.Status == ConversationDeleted {
		return nil, ErrConversationDeleted
	}
	if st.Messages == nil {
		st.Messages = []types.Message{}
	}
	if st.HandoffStack == nil {
		st.HandoffStack = []string{}
	}
	return &st, nil
}
