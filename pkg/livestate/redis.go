package livestate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on Redis hashes. Each entry is one hash
// under keyPrefix; a single HSET per merge keeps the per-key write
// atomic, and EXPIRE after every merge refreshes the TTL.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCache creates a cache on client. Zero ttl means DefaultTTL.
func NewRedisCache(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if keyPrefix == "" {
		keyPrefix = "station"
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *RedisCache) key(entity string) string {
	return fmt.Sprintf("%s:%s", c.keyPrefix, entity)
}

func (c *RedisCache) Merge(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	k := c.key(key)
	if err := c.client.HSet(ctx, k, args...).Err(); err != nil {
		return fmt.Errorf("livestate: hset %s: %w", k, err)
	}
	if err := c.client.Expire(ctx, k, c.ttl).Err(); err != nil {
		return fmt.Errorf("livestate: expire %s: %w", k, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (map[string]string, error) {
	state, err := c.client.HGetAll(ctx, c.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("livestate: hgetall %s: %w", c.key(key), err)
	}
	if len(state) == 0 {
		// Unknown or expired; callers must not distinguish.
		return nil, nil
	}
	return state, nil
}
