package segmentation

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCountCache stores preview counts in Redis under a key prefix.
type RedisCountCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCountCache creates a count cache. An empty prefix defaults to
// "segment:preview:".
func NewRedisCountCache(client *redis.Client, prefix string) *RedisCountCache {
	if prefix == "" {
		prefix = "segment:preview:"
	}
	return &RedisCountCache{client: client, prefix: prefix}
}

// Get returns the cached count for key, if present.
func (c *RedisCountCache) Get(ctx context.Context, key string) (int, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Set stores count under key for ttl.
func (c *RedisCountCache) Set(ctx context.Context, key string, count int, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, count, ttl).Err()
}
