package memorylimiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limit is the allowance for one bucket: at most Limit hits per Window.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Limiter is an in-process sliding-window limiter, used when no Redis is
// configured. Each (bucket, key) pair keeps its own hit log.
type Limiter struct {
	mu     sync.Mutex
	limits map[string]Limit
	hits   map[string][]time.Time
	now    func() time.Time
}

func New(limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = map[string]Limit{}
	}
	return &Limiter{limits: limits, hits: make(map[string][]time.Time), now: time.Now}
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

// Allow records a hit for key in bucket and reports whether it fits the
// window. Denied hits are not recorded.
func (l *Limiter) Allow(_ context.Context, bucket, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}
	lim := l.limitFor(bucket)
	if lim.Limit <= 0 {
		return true, nil
	}
	now := l.now()
	cutoff := now.Add(-lim.Window)
	k := bucket + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.hits[k]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) >= lim.Limit {
		l.hits[k] = ts
		return false, nil
	}
	l.hits[k] = append(ts, now)
	return true, nil
}

// Sweep drops hit logs whose newest entry has left every window. Callers with
// many distinct keys should run it periodically.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	var longest time.Duration
	for _, lim := range l.limits {
		if lim.Window > longest {
			longest = lim.Window
		}
	}
	if longest == 0 {
		longest = time.Minute
	}
	now := l.now()
	for k, ts := range l.hits {
		if len(ts) == 0 || now.Sub(ts[len(ts)-1]) > longest {
			delete(l.hits, k)
		}
	}
}
