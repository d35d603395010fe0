package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares replay state across processes. SET NX gives the atomic
// check-and-record; the key's PX expiry implements the TTL.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, prefix: "replay"}
}

// NewRedisClient builds a client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *RedisStore) CheckAndStore(ctx context.Context, key Key, now time.Time) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.redisKey(key), now.UTC().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis replay check: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) redisKey(key Key) string {
	return strings.Join([]string{s.prefix, escape(key.TenantID), escape(key.EventID), escape(key.RequestID)}, ":")
}

// escape keeps ':' inside a component from colliding with the separator.
func escape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, ":", `\:`)
}
