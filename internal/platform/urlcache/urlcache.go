package urlcache

import (
	"context"
	"sync"
	"time"
)

// Cache holds short-lived string values such as signed URLs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, val string, expiresAt time.Time)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type entry struct {
	val       string
	expiresAt time.Time
}

// MemoryCache is a process-local Cache. Expired entries are dropped on read.
type MemoryCache struct {
	clock Clock
	mu    sync.Mutex
	items map[string]entry
}

func NewMemoryCache(clock Clock) *MemoryCache {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryCache{clock: clock, items: map[string]entry{}}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return "", false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.items, key)
		return "", false
	}
	return e.val, true
}

func (c *MemoryCache) Set(_ context.Context, key, val string, expiresAt time.Time) {
	if !c.clock.Now().Before(expiresAt) {
		return
	}
	c.mu.Lock()
	c.items[key] = entry{val: val, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
