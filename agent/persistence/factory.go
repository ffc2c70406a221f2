package persistence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sapiensly/agentrelay/internal/database"
)

// Backends carries the shared connections a store may be built on.
type Backends struct {
	Redis *redis.Client
	DB    *database.PoolManager
}

// NewConversationStore creates a ConversationStore based on the configuration
func NewConversationStore(ctx context.Context, config StoreConfig, backends Backends) (ConversationStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryConversationStore(), nil
	case StoreTypeNoop:
		return NewNoopConversationStore(), nil
	case StoreTypeRedis:
		if backends.Redis == nil {
			return nil, fmt.Errorf("redis conversation store requires a redis client")
		}
		return NewRedisConversationStore(backends.Redis, config), nil
	case StoreTypeSQL:
		if backends.DB == nil {
			return nil, fmt.Errorf("sql conversation store requires a database")
		}
		return NewSQLConversationStore(ctx, backends.DB, config)
	default:
		return nil, fmt.Errorf("unsupported conversation store type: %s", config.Type)
	}
}

// MustNewConversationStore creates a new ConversationStore or panics on error.
//
// WARNING: This function should ONLY be used during application initialization.
// For runtime store creation, use NewConversationStore instead.
func MustNewConversationStore(ctx context.Context, config StoreConfig, backends Backends) ConversationStore {
	store, err := NewConversationStore(ctx, config, backends)
	if err != nil {
		panic(fmt.Sprintf("failed to create conversation store: %v", err))
	}
	return store
}
