package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

// Cache stores encoded directory answers for a bounded time.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheMetrics receives cache hit and miss counts.
type CacheMetrics interface {
	RecordDirectoryCacheHit()
	RecordDirectoryCacheMiss()
}

type noopCacheMetrics struct{}

func (noopCacheMetrics) RecordDirectoryCacheHit()  {}
func (noopCacheMetrics) RecordDirectoryCacheMiss() {}

// CachedDirectory fronts another UserDirectory with a Cache. Lookups that
// fail are never cached, and a failing cache degrades to the source.
type CachedDirectory struct {
	source  model.UserDirectory
	cache   Cache
	ttl     time.Duration
	logger  *zap.Logger
	metrics CacheMetrics
}

// CacheOption configures a CachedDirectory.
type CacheOption func(*CachedDirectory)

// WithCacheLogger sets the logger used for cache failures.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *CachedDirectory) { c.logger = l }
}

// WithCacheMetrics sets the hit/miss recorder.
func WithCacheMetrics(m CacheMetrics) CacheOption {
	return func(c *CachedDirectory) { c.metrics = m }
}

// NewCachedDirectory wraps source with cache, keeping entries for ttl.
func NewCachedDirectory(source model.UserDirectory, cache Cache, ttl time.Duration, opts ...CacheOption) *CachedDirectory {
	c := &CachedDirectory{
		source:  source,
		cache:   cache,
		ttl:     ttl,
		logger:  zap.NewNop(),
		metrics: noopCacheMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func userKey(id string) string   { return "user:" + id }
func roleKey(role string) string { return "role:" + role }

// GetUserByID implements model.UserDirectory.
func (c *CachedDirectory) GetUserByID(ctx context.Context, id string) (model.User, error) {
	var u model.User
	if c.lookup(ctx, userKey(id), &u) {
		return u, nil
	}
	u, err := c.source.GetUserByID(ctx, id)
	if err != nil {
		return model.User{}, err
	}
	c.store(ctx, userKey(id), u)
	return u, nil
}

// GetUsersByRole implements model.UserDirectory.
func (c *CachedDirectory) GetUsersByRole(ctx context.Context, role string) ([]model.User, error) {
	var users []model.User
	if c.lookup(ctx, roleKey(role), &users) {
		return users, nil
	}
	users, err := c.source.GetUsersByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	c.store(ctx, roleKey(role), users)
	return users, nil
}

func (c *CachedDirectory) lookup(ctx context.Context, key string, dst any) (hit bool) {
	ctx, span := observability.StartSpan(ctx, "directory.cache.lookup")
	defer func() {
		span.SetAttributes(observability.AttrCacheHit.Bool(hit))
		span.End()
	}()

	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("directory cache read failed", zap.String("key", key), zap.Error(err))
		ok = false
	}
	if ok {
		if err := json.Unmarshal(raw, dst); err == nil {
			c.metrics.RecordDirectoryCacheHit()
			c.logger.Debug("directory cache hit", zap.String("key", key))
			return true
		}
		c.logger.Warn("directory cache entry corrupt", zap.String("key", key))
	}
	c.metrics.RecordDirectoryCacheMiss()
	return false
}

func (c *CachedDirectory) store(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("directory cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// --- MemoryCache ---

type memEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memEntry), now: time.Now}
}

// Get implements Cache.
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(entry.expires) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set implements Cache.
func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memEntry{value: value, expires: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// --- RedisCache ---

// RedisCache is a Cache shared between replicas through Redis.
type RedisCache struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCache creates a RedisCache. Keys are stored as prefix+key.
func NewRedisCache(client redis.Cmdable, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Get implements Cache.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return raw, true, nil
}

// Set implements Cache.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
