package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a size-bounded, thread-safe cache with optional TTL expiry.
//
// It backs two lookups in the pipeline:
//   - memoized sunset hours keyed by calendar day (no TTL)
//   - forecast snapshots keyed by source and horizon (TTL, default 1h)
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	cache   *lru.Cache[K, *entry[V]]
	ttl     time.Duration
	now     func() time.Time
	hits    uint64
	misses  uint64
	evicted uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// expired reports whether the entry has an expiry and it has passed.
func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// New creates a cache holding at most size entries. A zero ttl means
// Set entries never expire.
func New[K comparable, V any](size int, ttl time.Duration) (*LRU[K, V], error) {
	c, err := lru.New[K, *entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRU[K, V]{cache: c, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached value if present and not expired.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *LRU[K, V]) getLocked(key K) (V, bool) {
	var zero V
	e, ok := c.cache.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}
	if e.expired(c.now()) {
		c.cache.Remove(key)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *LRU[K, V]) setLocked(key K, value V) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	if c.cache.Add(key, &entry[V]{value: value, expiresAt: expiresAt}) {
		c.evicted++
	}
}

// SetUntil stores value with an explicit expiry, for values whose age is
// known from elsewhere.
func (c *LRU[K, V]) SetUntil(key K, value V, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache.Add(key, &entry[V]{value: value, expiresAt: expiresAt}) {
		c.evicted++
	}
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result. Errors are returned uncached. load runs without the lock, so
// concurrent misses on one key may each call it.
func (c *LRU[K, V]) GetOrLoad(key K, load func() (V, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, false, err
	}
	c.Set(key, v)
	return v, false, nil
}

// Len returns the number of entries, including expired ones not yet
// swept.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current cache statistics.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRate := 0.0
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Evicted: c.evicted,
		Size:    c.cache.Len(),
		HitRate: hitRate,
	}
}

// CleanupExpired removes expired entries and returns how many were
// dropped. It is O(n); run it from a ticker, not per request.
func (c *LRU[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.cache.Keys() {
		if e, ok := c.cache.Peek(key); ok && e.expired(now) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}
