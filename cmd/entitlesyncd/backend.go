package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/entitlesync/adapters/ginutil"
	"github.com/PaulFidika/entitlesync/config"
	"github.com/PaulFidika/entitlesync/core"
	memorylimiter "github.com/PaulFidika/entitlesync/ratelimit/memory"
	redislimiter "github.com/PaulFidika/entitlesync/ratelimit/redis"
	memorystore "github.com/PaulFidika/entitlesync/storage/memory"
	pgstore "github.com/PaulFidika/entitlesync/storage/postgres"
	redisstore "github.com/PaulFidika/entitlesync/storage/redis"
	sqlitestore "github.com/PaulFidika/entitlesync/storage/sqlite"
)

// operatorLimit is the per-IP allowance on the operator API.
const operatorLimit = 120

// backend is everything that holds a connection.
type backend struct {
	store core.Store
	pg    *pgstore.Store // nil on SQLite
	rdb   *redis.Client  // nil without REDIS_URL
	cache core.TierCache
	// memLimiter is set when rate limiting runs in-process and needs sweeping.
	memLimiter *memorylimiter.Limiter
	limiter    ginutil.RateLimiter

	closers []func()
}

func openBackend(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*backend, error) {
	b := &backend{}
	if err := b.openStore(ctx, cfg, log); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openCache(ctx, cfg, log); err != nil {
		b.Close()
		return nil, err
	}
	b.openLimiter(cfg)
	return b, nil
}

func (b *backend) openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	if cfg.UsePostgres() {
		pg, err := pgstore.Open(ctx, cfg.DatabaseURL, "")
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pg.Ping(pingCtx); err != nil {
			pg.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
		b.store, b.pg = pg, pg
		b.closers = append(b.closers, pg.Close)
		log.Info("using postgres store")
		return nil
	}
	s, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	b.store = s
	b.closers = append(b.closers, func() { _ = s.Close() })
	log.WithField("path", cfg.SQLitePath).Info("using sqlite store")
	return nil
}

func (b *backend) openCache(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	if cfg.RedisURL == "" {
		c := memorystore.NewTierCache(cfg.CacheTTL)
		b.cache = c
		b.closers = append(b.closers, func() { _ = c.Close() })
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	b.rdb = rdb
	b.cache = redisstore.NewTierCache(rdb, "", cfg.CacheTTL)
	b.closers = append(b.closers, func() { _ = rdb.Close() })
	log.Info("using redis tier cache")
	return nil
}

func (b *backend) openLimiter(cfg *config.Config) {
	if cfg.WebhookRateLimit == 0 {
		return
	}
	if b.rdb != nil {
		b.limiter = redislimiter.New(b.rdb, map[string]redislimiter.Limit{
			ginutil.RLWebhook:  {Limit: cfg.WebhookRateLimit, Window: time.Minute},
			ginutil.RLOperator: {Limit: operatorLimit, Window: time.Minute},
		})
		return
	}
	l := memorylimiter.New(map[string]memorylimiter.Limit{
		ginutil.RLWebhook:  {Limit: cfg.WebhookRateLimit, Window: time.Minute},
		ginutil.RLOperator: {Limit: operatorLimit, Window: time.Minute},
	})
	b.memLimiter, b.limiter = l, l
}

// Close releases resources in reverse order of acquisition.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
