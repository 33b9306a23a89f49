package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/PaulFidika/entitlesync/entitlements"
)

// TierCache is an in-process tier cache with TTL, for single-replica
// deployments without Redis.
type TierCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	data   map[int64]item
	closed chan struct{}
	once   sync.Once
}

type item struct {
	v   entitlements.TierState
	exp time.Time
}

// NewTierCache creates a cache whose entries live for ttl (default 30s).
// A background goroutine drops expired entries every minute until Close.
func NewTierCache(ttl time.Duration) *TierCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c := &TierCache{ttl: ttl, now: time.Now, data: make(map[int64]item), closed: make(chan struct{})}
	go c.cleanupLoop()
	return c
}

func (c *TierCache) Put(_ context.Context, st entitlements.TierState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[st.UserID] = item{v: st, exp: c.now().Add(c.ttl)}
	return nil
}

func (c *TierCache) Get(_ context.Context, userID int64) (entitlements.TierState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.data[userID]
	if !ok {
		return entitlements.TierState{}, false, nil
	}
	if c.now().After(it.exp) {
		delete(c.data, userID)
		return entitlements.TierState{}, false, nil
	}
	return it.v, true, nil
}

func (c *TierCache) Del(_ context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, userID)
	return nil
}

// Len reports the number of entries, expired or not.
func (c *TierCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *TierCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.closed:
			return
		}
	}
}

func (c *TierCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, v := range c.data {
		if now.After(v.exp) {
			delete(c.data, k)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *TierCache) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
