package urlcache

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

// RedisCache shares cached values across replicas. Redis errors degrade to
// cache misses.
type RedisCache struct {
	log    *logger.Logger
	rdb    goredis.UniversalClient
	clock  Clock
	prefix string
}

func NewRedisCache(log *logger.Logger, rdb goredis.UniversalClient, clock Clock, prefix string) *RedisCache {
	if clock == nil {
		clock = SystemClock{}
	}
	if prefix == "" {
		prefix = "askpdf:url:"
	}
	return &RedisCache{log: log.With("component", "RedisURLCache"), rdb: rdb, clock: clock, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.log.Warn("URL cache get failed", "error", err)
		}
		return "", false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key, val string, expiresAt time.Time) {
	ttl := expiresAt.Sub(c.clock.Now())
	if ttl < time.Millisecond {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+key, val, ttl).Err(); err != nil {
		c.log.Warn("URL cache set failed", "error", err)
	}
}
