package quotastore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiryScript increments a counter and pins its expiry to the window
// boundary on first touch only. Running it server-side keeps increment-and-read
// atomic without client-side read-modify-write.
var incrWithExpiryScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIREAT', KEYS[1], ARGV[1])
end
return count
`)

// RedisStore is the Redis-backed counter store.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds connection settings for the counter store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// PoolSize bounds the connection pool.
	PoolSize int
	// Timeout bounds dial/read/write per operation.
	Timeout time.Duration
	Prefix  string
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "quota:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &RedisStore{client: client, prefix: cfg.Prefix}
}

// NewRedisStoreWithClient wraps an existing client, for sharing a pool.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "quota:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	return incrWithExpiryScript.Run(ctx, s.client, []string{s.prefix + key}, expireAt.Unix()).Int64()
}

func (s *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying client so other stores can share the pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
