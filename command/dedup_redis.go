package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup is a shared dedup cache keyed per room. Deployments that can
// re-place a session on another instance mid-stream use it so the new
// consumer still recognizes command IDs the old one processed.
type RedisDedup struct {
	rdb  *redis.Client
	room string
	ttl  time.Duration
}

// NewRedisDedup returns a Redis-backed cache for one room. A non-positive
// ttl falls back to DefaultDedupTTL.
func NewRedisDedup(rdb *redis.Client, room string, ttl time.Duration) (*RedisDedup, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if room == "" {
		return nil, errors.New("room is required")
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDedup{rdb: rdb, room: room, ttl: ttl}, nil
}

func (c *RedisDedup) key(commandID string) string {
	return fmt.Sprintf("pilot:dedup:%s:%s", c.room, commandID)
}

// Status implements DedupCache.
func (c *RedisDedup) Status(ctx context.Context, commandID string) (DedupStatus, bool, error) {
	v, err := c.rdb.Get(ctx, c.key(commandID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup status: %w", err)
	}
	return DedupStatus(v), true, nil
}

// MarkProcessing implements DedupCache.
func (c *RedisDedup) MarkProcessing(ctx context.Context, commandID string) error {
	if err := c.rdb.Set(ctx, c.key(commandID), string(DedupProcessing), c.ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark processing: %w", err)
	}
	return nil
}

// MarkProcessed implements DedupCache.
func (c *RedisDedup) MarkProcessed(ctx context.Context, commandID string) error {
	if err := c.rdb.Set(ctx, c.key(commandID), string(DedupProcessed), c.ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark processed: %w", err)
	}
	return nil
}

// Forget implements DedupCache.
func (c *RedisDedup) Forget(ctx context.Context, commandID string) error {
	if err := c.rdb.Del(ctx, c.key(commandID)).Err(); err != nil {
		return fmt.Errorf("dedup forget: %w", err)
	}
	return nil
}
