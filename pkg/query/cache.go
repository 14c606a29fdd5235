package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCountTTL bounds how stale a cached total may be.
const DefaultCountTTL = 5 * time.Second

// CountCache stores listing totals so paging through a large result does not
// issue a COUNT(*) per page.
type CountCache interface {
	GetCount(ctx context.Context, key string) (int64, bool, error)
	SetCount(ctx context.Context, key string, n int64) error
	Invalidate(ctx context.Context, keys ...string) error
}

// RedisCountCache keeps totals in Redis under a common prefix.
type RedisCountCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ CountCache = (*RedisCountCache)(nil)

func NewRedisCountCache(client redis.Cmdable, prefix string, ttl time.Duration) (*RedisCountCache, error) {
	if client == nil {
		return nil, errors.New("invalid redis client: must not be nil")
	}
	if ttl <= 0 {
		return nil, errors.New("invalid ttl: must be positive")
	}
	return &RedisCountCache{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *RedisCountCache) GetCount(ctx context.Context, key string) (int64, bool, error) {
	n, err := c.client.Get(ctx, c.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get cached count %s: %w", key, err)
	}
	return n, true, nil
}

func (c *RedisCountCache) SetCount(ctx context.Context, key string, n int64) error {
	if err := c.client.Set(ctx, c.prefix+key, n, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache count %s: %w", key, err)
	}
	return nil
}

func (c *RedisCountCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate counts: %w", err)
	}
	return nil
}
