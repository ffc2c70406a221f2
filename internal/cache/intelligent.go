package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/sapiensly/agentrelay/internal/metrics"
)

// =============================================================================
// 🧠 智能缓存（L1 本地 LRU + 可选 L2 Redis）
// =============================================================================

const defaultLocalSize = 1000

// Entry 缓存条目
type Entry struct {
	Kind      Kind            `json:"kind"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	HitCount  int64           `json:"hit_count"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Successful 可判定成功与否的结果，只有成功的结果才会被缓存
type Successful interface {
	Succeeded() bool
}

// Options 缓存选项
type Options struct {
	LocalSize int
	LocalTTL  time.Duration
	Remote    *RedisTier
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Stats 缓存统计
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	LocalHits  int64   `json:"local_hits"`
	RemoteHits int64   `json:"remote_hits"`
	Errors     int64   `json:"errors"`
	Evictions  int64   `json:"evictions"`
	Size       int     `json:"size"`
	HitRate    float64 `json:"hit_rate"`
}

// IntelligentCache 路由建议与 Agent 响应缓存。
// 后端故障只会降级为未命中，从不向调用方返回错误。
// nil *IntelligentCache 可直接使用，等价于关闭缓存。
type IntelligentCache struct {
	local    *lru.Cache[string, *Entry]
	localTTL time.Duration
	remote   *RedisTier
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time

	// 保护 Entry.HitCount
	mu sync.Mutex

	hits       atomic.Int64
	misses     atomic.Int64
	localHits  atomic.Int64
	remoteHits atomic.Int64
	errors     atomic.Int64
	evictions  atomic.Int64
}

// NewIntelligentCache 创建智能缓存
func NewIntelligentCache(opts Options) (*IntelligentCache, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := opts.LocalSize
	if size <= 0 {
		size = defaultLocalSize
	}

	c := &IntelligentCache{
		localTTL: opts.LocalTTL,
		remote:   opts.Remote,
		metrics:  opts.Metrics,
		logger:   logger.With(zap.String("component", "intelligent_cache")),
		now:      time.Now,
	}

	local, err := lru.NewWithEvict[string, *Entry](size, c.handleEviction)
	if err != nil {
		return nil, fmt.Errorf("create local cache: %w", err)
	}
	c.local = local

	c.logger.Info("intelligent cache initialized",
		zap.Int("local_size", size),
		zap.Duration("local_ttl", opts.LocalTTL),
		zap.Bool("remote", opts.Remote != nil),
	)
	return c, nil
}

func (c *IntelligentCache) handleEviction(_ string, _ *Entry) {
	c.evictions.Add(1)
}

// Get 查找 key 并把值解码到 dest，命中返回 true
func (c *IntelligentCache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil {
		return false
	}
	kind := kindOf(key)
	now := c.now()

	if entry, ok := c.local.Get(key); ok {
		if entry.expired(now) {
			c.local.Remove(key)
		} else if err := json.Unmarshal(entry.Value, dest); err != nil {
			c.logger.Warn("dropping undecodable local entry", zap.String("key", key), zap.Error(err))
			c.local.Remove(key)
		} else {
			c.mu.Lock()
			entry.HitCount++
			c.mu.Unlock()
			c.localHits.Add(1)
			c.recordHit(kind)
			return true
		}
	}

	if c.remote != nil {
		if entry, ok := c.getRemote(ctx, key, now); ok {
			if err := json.Unmarshal(entry.Value, dest); err == nil {
				c.promote(key, entry, now)
				c.remoteHits.Add(1)
				c.recordHit(kind)
				return true
			}
		}
	}

	c.misses.Add(1)
	c.metrics.RecordCacheMiss(string(kind))
	return false
}

func (c *IntelligentCache) getRemote(ctx context.Context, key string, now time.Time) (*Entry, bool) {
	data, err := c.remote.Get(ctx, key)
	if err != nil {
		if !IsCacheMiss(err) {
			c.backendError("get", key, err)
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.backendError("decode", key, err)
		return nil, false
	}
	if entry.expired(now) {
		return nil, false
	}
	return &entry, true
}

// promote 把二级命中写回本地，本地寿命不超过 localTTL
func (c *IntelligentCache) promote(key string, entry *Entry, now time.Time) {
	local := *entry
	local.HitCount++
	if c.localTTL > 0 {
		if limit := now.Add(c.localTTL); local.ExpiresAt.IsZero() || limit.Before(local.ExpiresAt) {
			local.ExpiresAt = limit
		}
	}
	c.local.Add(key, &local)
}

// Put 写入缓存；ttl <= 0 表示只受本地 TTL 约束
func (c *IntelligentCache) Put(ctx context.Context, key string, kind Kind, value any, ttl time.Duration) {
	if c == nil {
		return
	}

	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not serializable", zap.String("key", key), zap.Error(err))
		return
	}

	now := c.now()
	entry := &Entry{
		Kind:      kind,
		Value:     raw,
		CreatedAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	local := *entry
	if c.localTTL > 0 {
		if limit := now.Add(c.localTTL); local.ExpiresAt.IsZero() || limit.Before(local.ExpiresAt) {
			local.ExpiresAt = limit
		}
	}
	c.local.Add(key, &local)

	if c.remote == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.backendError("encode", key, err)
		return
	}
	if err := c.remote.Set(ctx, key, data, ttl); err != nil {
		c.backendError("set", key, err)
	}
}

// PutResult 只缓存成功的结果，返回是否写入
func (c *IntelligentCache) PutResult(ctx context.Context, key string, kind Kind, value Successful, ttl time.Duration) bool {
	if c == nil || value == nil || !value.Succeeded() {
		return false
	}
	c.Put(ctx, key, kind, value, ttl)
	return true
}

// Invalidate 删除缓存键
func (c *IntelligentCache) Invalidate(ctx context.Context, key string) {
	if c == nil {
		return
	}
	c.local.Remove(key)
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			c.backendError("delete", key, err)
		}
	}
}

// Stats 返回统计信息
func (c *IntelligentCache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	s := Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		LocalHits:  c.localHits.Load(),
		RemoteHits: c.remoteHits.Load(),
		Errors:     c.errors.Load(),
		Evictions:  c.evictions.Load(),
		Size:       c.local.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Ping 检查二级缓存连通性
func (c *IntelligentCache) Ping(ctx context.Context) error {
	if c == nil || c.remote == nil {
		return nil
	}
	return c.remote.Ping(ctx)
}

// Close 关闭二级缓存
func (c *IntelligentCache) Close() error {
	if c == nil || c.remote == nil {
		return nil
	}
	return c.remote.Close()
}

func (c *IntelligentCache) recordHit(kind Kind) {
	c.hits.Add(1)
	c.metrics.RecordCacheHit(string(kind))
}

func (c *IntelligentCache) backendError(op, key string, err error) {
	c.errors.Add(1)
	c.metrics.RecordCacheError(op)
	c.logger.Warn("cache backend error, degrading to miss",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

func kindOf(key string) Kind {
	if k, _, ok := strings.Cut(key, ":"); ok {
		return Kind(k)
	}
	return "unknown"
}
