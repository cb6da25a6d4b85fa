package history

import (
	"math"
	"sync"
	"time"
)

// ValueCache remembers the last value seen per key for ttl. Expired entries
// read as absent so a steady value is still recorded once per ttl.
type ValueCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]entry
}

type entry struct {
	v  float64
	at time.Time
}

// NewValueCache creates a cache. ttl <= 0 defaults to one hour.
func NewValueCache(ttl time.Duration) *ValueCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ValueCache{ttl: ttl, now: time.Now, data: make(map[string]entry, 256)}
}

func (c *ValueCache) Get(key string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return 0, false
	}
	return e.v, true
}

func (c *ValueCache) Set(key string, v float64) {
	c.mu.Lock()
	c.data[key] = entry{v: v, at: c.now()}
	c.mu.Unlock()
}

// Changed reports whether v differs from the cached value for key, and
// caches v when it does.
func (c *ValueCache) Changed(key string, v float64) bool {
	if old, ok := c.Get(key); ok && FloatsEqual(old, v) {
		return false
	}
	c.Set(key, v)
	return true
}

func (c *ValueCache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Forget drops every key for which keep returns false.
func (c *ValueCache) Forget(keep func(key string) bool) {
	c.mu.Lock()
	for k := range c.data {
		if !keep(k) {
			delete(c.data, k)
		}
	}
	c.mu.Unlock()
}

// FloatsEqual compares with a small relative tolerance.
func FloatsEqual(a, b float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= 1e-9*math.Max(scale, 1)
}
