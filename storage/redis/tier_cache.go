package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PaulFidika/entitlesync/entitlements"
)

// TierCache stores serialized tier states in Redis so every replica sees the
// same invalidations.
type TierCache struct {
	rdb   redis.Cmdable
	keyNS string
	ttl   time.Duration
}

func NewTierCache(rdb redis.Cmdable, keyPrefix string, ttl time.Duration) *TierCache {
	if keyPrefix == "" {
		keyPrefix = "entitlesync:tier:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TierCache{rdb: rdb, keyNS: keyPrefix, ttl: ttl}
}

func (c *TierCache) key(userID int64) string { return c.keyNS + strconv.FormatInt(userID, 10) }

func (c *TierCache) Put(ctx context.Context, st entitlements.TierState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(st.UserID), b, c.ttl).Err()
}

func (c *TierCache) Get(ctx context.Context, userID int64) (entitlements.TierState, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	if err == redis.Nil {
		return entitlements.TierState{}, false, nil
	}
	if err != nil {
		return entitlements.TierState{}, false, err
	}
	var st entitlements.TierState
	if err := json.Unmarshal(val, &st); err != nil {
		return entitlements.TierState{}, false, err
	}
	return st, true, nil
}

func (c *TierCache) Del(ctx context.Context, userID int64) error {
	return c.rdb.Del(ctx, c.key(userID)).Err()
}
