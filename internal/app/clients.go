package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/gcp"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
	"github.com/yungbote/askpdf-backend/internal/platform/urlcache"
	"github.com/yungbote/askpdf-backend/internal/realtime/bus"
)

type Clients struct {
	Parser   parser.Client
	Storage  gcp.DocumentStorage
	URLCache urlcache.Cache
	// Redis and Bus are nil when REDIS_ADDR is unset.
	Redis *goredis.Client
	Bus   bus.Bus
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	// Redis
	var (
		rdb    *goredis.Client
		sseBus bus.Bus
		cache  urlcache.Cache = urlcache.NewMemoryCache(urlcache.SystemClock{})
	)
	if cfg.RedisAddr != "" {
		c, err := bus.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis: %w", err)
		}
		b, err := bus.NewRedisBus(log, c, cfg.RedisChannel)
		if err != nil {
			_ = c.Close()
			return Clients{}, fmt.Errorf("init redis SSE bus: %w", err)
		}
		rdb, sseBus = c, b
		cache = urlcache.NewRedisCache(log, c, urlcache.SystemClock{}, cfg.URLCachePrefix)
	} else {
		log.Info("REDIS_ADDR not set; signed URL cache and SSE fan-out stay in process")
	}

	// Parser
	pc, err := parser.NewClient(log, parser.ConfigFromEnv())
	if err != nil {
		closeRedis(rdb)
		return Clients{}, fmt.Errorf("init parser client: %w", err)
	}

	// Gcs
	store, err := resolveDocumentStorage(ctx, log, cache)
	if err != nil {
		closeRedis(rdb)
		return Clients{}, err
	}

	return Clients{
		Parser:   pc,
		Storage:  store,
		URLCache: cache,
		Redis:    rdb,
		Bus:      sseBus,
	}, nil
}

func closeRedis(rdb *goredis.Client) {
	if rdb != nil {
		_ = rdb.Close()
	}
}

// Close releases the Redis connection shared by the bus and the URL cache.
func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Bus != nil {
		_ = c.Bus.Close()
		return
	}
	closeRedis(c.Redis)
}
