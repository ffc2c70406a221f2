// Package persistence provides conversation state storage for handoff
// orchestration.
//
// Supported backends:
// - Memory: For development and testing (default)
// - Redis: For distributed deployments
// - SQL: gorm-backed (sqlite, postgres, mysql)
// - Noop: accepts every write and remembers nothing
package persistence

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
	ErrStoreConflict = errors.New("store conflict")

	// ErrNoHandoffToReverse is returned by PopHandoff on an empty stack.
	ErrNoHandoffToReverse = errors.New("no handoff to reverse")

	// ErrConversationDeleted is returned for any use of a deleted conversation.
	ErrConversationDeleted = errors.New("conversation deleted")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeNoop   StoreType = "noop"
)

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// TTL bounds how long an idle conversation is retained (redis only, 0 = forever)
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// MaxRetries bounds optimistic transaction retries (redis, sql)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:       StoreTypeMemory,
		KeyPrefix:  "agentrelay:conv:",
		TTL:        24 * time.Hour,
		MaxRetries: 10,
	}
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}
