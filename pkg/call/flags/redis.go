package flags

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the flag store with redis so that flags survive worker
// boundaries. GETDEL gives the consume-once guarantee.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a redis-backed store from an address like
// "localhost:6379".
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Set records a flag with a TTL.
func (s *RedisStore) Set(ctx context.Context, callID, name, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.client.Set(ctx, key(callID, name), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Consume atomically reads and deletes a flag.
func (s *RedisStore) Consume(ctx context.Context, callID, name string) (string, bool, error) {
	val, err := s.client.GetDel(ctx, key(callID, name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, true, nil
}

// Close releases the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
