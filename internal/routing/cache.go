package routing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores recent estimates by request key. Failures read as misses.
type Cache interface {
	Get(ctx context.Context, key string) (*Estimate, bool)
	Set(ctx context.Context, key string, est *Estimate)
}

// NoopCache never hits.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (*Estimate, bool) { return nil, false }
func (NoopCache) Set(context.Context, string, *Estimate)        {}

// RedisCache keeps estimates in Redis with a fixed TTL.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedisCache connects to addr.
func NewRedisCache(addr, password string, db int, ttl time.Duration) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisCacheWithClient(rdb, ttl)
}

func NewRedisCacheWithClient(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, log: slog.Default().With("component", "routing_cache")}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Estimate, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var est Estimate
	if err := json.Unmarshal(raw, &est); err != nil {
		c.log.Warn("cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return &est, true
}

func (c *RedisCache) Set(ctx context.Context, key string, est *Estimate) {
	raw, err := json.Marshal(est)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
}
