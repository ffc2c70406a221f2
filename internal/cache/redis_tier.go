package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 Redis 二级缓存
// =============================================================================

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = errors.New("cache miss")

// ErrTierClosed 二级缓存已关闭
var ErrTierClosed = errors.New("cache tier is closed")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// RedisTier Redis 二级缓存，所有键统一加前缀
type RedisTier struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	owned  bool
}

// NewRedisTier 基于已有客户端创建二级缓存，关闭时不关闭客户端
func NewRedisTier(client *redis.Client, prefix string, logger *zap.Logger) *RedisTier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTier{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "cache_l2")),
	}
}

// DialRedisTier 创建独立连接的二级缓存并检测连通性
func DialRedisTier(ctx context.Context, opts *redis.Options, prefix string, logger *zap.Logger) (*RedisTier, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	t := NewRedisTier(client, prefix, logger)
	t.owned = true
	t.logger.Info("redis cache tier initialized", zap.String("addr", opts.Addr))
	return t, nil
}

// Get 读取原始字节
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, ErrTierClosed
	}

	val, err := t.client.Get(ctx, t.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get failed: %w", err)
	}
	return val, nil
}

// Set 写入原始字节
func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTierClosed
	}

	if err := t.client.Set(ctx, t.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Delete 删除键
func (t *RedisTier) Delete(ctx context.Context, keys ...string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTierClosed
	}
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = t.prefix + k
	}
	if err := t.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

// Ping 检查 Redis 连接
func (t *RedisTier) Ping(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTierClosed
	}
	return t.client.Ping(ctx).Err()
}

// Close 关闭二级缓存
func (t *RedisTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.owned {
		t.logger.Info("closing redis cache tier")
		return t.client.Close()
	}
	return nil
}
