// Package idempotency remembers the response to a stage action so a client
// retrying with the same X-Idempotency-Key gets the original answer instead
// of a second transition attempt.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/signoff/model"
)

// Response is a recorded HTTP answer.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Store provides deduplication for stage actions. Keys are built with
// FormatKey.
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// request hash matches, it returns the recorded response. If the key
	// exists but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, requestHash string) (resp *Response, found bool, err error)

	// Save records a response under key for ttl.
	Save(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error
}

type entry struct {
	RequestHash string   `json:"request_hash"`
	Response    Response `json:"response"`
}

func keyReused(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with a different request", key),
	)
}

// FormatKey builds the storage key for a caller-supplied idempotency key. The
// subject scopes keys per caller and is length-prefixed, so no choice of
// subject and key can spell another caller's storage key.
func FormatKey(subjectID, key string) string {
	return fmt.Sprintf("idem:%d:%s:%s", len(subjectID), subjectID, key)
}

// HashRequest fingerprints the parts of a request that must match on replay.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support, for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry), now: time.Now}
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key, requestHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.data.RequestHash != requestHash {
		return nil, true, keyReused(key)
	}

	resp := e.data.Response
	return &resp, true, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{
		data:      entry{RequestHash: requestHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store shared between replicas.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key, requestHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.RequestHash != requestHash {
		return nil, true, keyReused(key)
	}
	return &e.Response, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
