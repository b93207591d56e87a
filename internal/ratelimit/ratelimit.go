// Package ratelimit provides a keyed token-bucket limiter used to throttle
// repetitive log lines (one bucket per watched path).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long an unused bucket is kept before it may be evicted.
const idleAfter = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed manages an independent limiter per key.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	maxKeys int
	now     func() time.Time
}

// New creates a keyed limiter allowing every interval one event per key,
// with burst events available immediately. maxKeys bounds memory; when the
// map is full, idle buckets are evicted first.
func New(every time.Duration, burst, maxKeys int) *Keyed {
	return &Keyed{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(every),
		burst:   burst,
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// Allow reports whether an event for key may happen now.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	b, ok := k.buckets[key]
	if !ok {
		if k.maxKeys > 0 && len(k.buckets) >= k.maxKeys {
			k.evictLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// evictLocked drops idle buckets, or everything if none is idle.
func (k *Keyed) evictLocked(now time.Time) {
	for key, b := range k.buckets {
		if now.Sub(b.lastSeen) > idleAfter {
			delete(k.buckets, key)
		}
	}
	if len(k.buckets) >= k.maxKeys {
		clear(k.buckets)
	}
}
