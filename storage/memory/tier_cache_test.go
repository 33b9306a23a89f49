package memorystore

import (
	"context"
	"testing"
	"time"

	"github.com/PaulFidika/entitlesync/entitlements"
)

func TestTierCachePutGetDel(t *testing.T) {
	c := NewTierCache(time.Minute)
	defer c.Close()
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, 1); ok {
		t.Fatalf("expected miss on empty cache")
	}
	st := entitlements.TierState{UserID: 1, Tier: entitlements.TierPremium}
	if err := c.Put(ctx, st); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := c.Get(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got.Tier != entitlements.TierPremium {
		t.Fatalf("tier = %q", got.Tier)
	}
	if err := c.Del(ctx, 1); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, _ := c.Get(ctx, 1); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestTierCacheExpires(t *testing.T) {
	c := NewTierCache(time.Second)
	defer c.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Put(ctx, entitlements.FreeState(9))
	now = now.Add(2 * time.Second)
	if _, ok, _ := c.Get(ctx, 9); ok {
		t.Fatalf("expected expired entry to miss")
	}

	_ = c.Put(ctx, entitlements.FreeState(10))
	now = now.Add(2 * time.Second)
	c.cleanup()
	if n := c.Len(); n != 0 {
		t.Fatalf("cleanup left %d entries", n)
	}
}

func TestTierCacheCloseTwice(t *testing.T) {
	c := NewTierCache(0)
	_ = c.Close()
	_ = c.Close()
}
