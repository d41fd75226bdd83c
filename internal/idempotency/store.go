package idempotency

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Entry is a stored response. Entries are immutable once written: the store
// only ever accepts the first write for a key within its retention window.
type Entry struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Store persists idempotency entries with bounded retention.
type Store interface {
	// Get returns the entry for key, or nil when absent or expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// SetIfAbsent writes the entry only when no live entry exists for key.
	// It reports whether this write won. A plain read-then-write would race;
	// implementations must use an atomic set-if-absent primitive.
	SetIfAbsent(ctx context.Context, key string, e *Entry, ttl time.Duration) (bool, error)

	Close() error
}

// RedisStore persists entries in Redis using SET NX EX.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed entry store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	b, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, e *Entry, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, s.prefix+key, b, ttl).Result()
}

func (s *RedisStore) Close() error { return nil }

// MemoryStore is an in-process entry store for tests and single-node mode,
// backed by an expirable LRU. A mutex serializes the check-then-add so
// SetIfAbsent keeps first-writer-wins semantics.
type MemoryStore struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *Entry]
}

// NewMemoryStore creates an in-memory entry store with the given retention.
func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryStore{
		lru: expirable.NewLRU[string, *Entry](maxEntries, nil, ttl),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Get(key)
	if !ok {
		return nil, nil
	}
	return e, nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, e *Entry, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lru.Get(key); ok {
		return false, nil
	}
	s.lru.Add(key, e)
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }
