package redislimiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limit is the allowance for one bucket: at most Limit hits per Window.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Limiter is a sliding-window limiter shared across replicas. Each
// (bucket, key) pair is a sorted set of hit timestamps.
type Limiter struct {
	rdb    redis.Cmdable
	prefix string
	limits map[string]Limit
}

func New(rdb redis.Cmdable, limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = map[string]Limit{}
	}
	return &Limiter{rdb: rdb, prefix: "entitlesync:rl:", limits: limits}
}

func (l *Limiter) limitFor(bucket string) Limit {
	if v, ok := l.limits[bucket]; ok {
		return v
	}
	if v, ok := l.limits["default"]; ok {
		return v
	}
	return Limit{Limit: 100, Window: time.Minute}
}

// Allow records a hit and reports whether it fits the window. A denied hit is
// removed again so it does not extend the penalty.
func (l *Limiter) Allow(ctx context.Context, bucket, key string) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}
	lim := l.limitFor(bucket)
	if lim.Limit <= 0 {
		return true, nil
	}
	nowMs := time.Now().UnixMilli()
	start := nowMs - lim.Window.Milliseconds()
	k := l.prefix + bucket + ":" + key
	member := strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(start, 10))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(nowMs), Member: member})
	count := pipe.ZCard(ctx, k)
	pipe.PExpire(ctx, k, lim.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	if count.Val() > int64(lim.Limit) {
		l.rdb.ZRem(ctx, k, member)
		return false, nil
	}
	return true, nil
}
