// Grounded on middleware/concurrency.go's Semaphore: per-key bounded
// concurrency via a map of counters, generalized from "per org" to
// any admission key (per-IP, per-user, per-service).
package admission

import (
	"sync"
	"sync/atomic"
)

// ConnLimiter bounds concurrent connections/requests per key.
type ConnLimiter struct {
	mu     sync.Mutex
	counts map[string]*int64
	limit  int64
}

// NewConnLimiter builds a limiter; limit <= 0 means unlimited.
func NewConnLimiter(limit int) *ConnLimiter {
	return &ConnLimiter{
		counts: make(map[string]*int64),
		limit:  int64(limit),
	}
}

// TryAcquire increments key's count if it would not exceed the limit,
// returning false (and leaving the count untouched) otherwise.
func (c *ConnLimiter) TryAcquire(key string) bool {
	if c.limit <= 0 {
		return true
	}
	counter := c.counterFor(key)
	for {
		cur := atomic.LoadInt64(counter)
		if cur >= c.limit {
			return false
		}
		if atomic.CompareAndSwapInt64(counter, cur, cur+1) {
			return true
		}
	}
}

// Release decrements key's count.
func (c *ConnLimiter) Release(key string) {
	if c.limit <= 0 {
		return
	}
	counter := c.counterFor(key)
	if atomic.AddInt64(counter, -1) < 0 {
		atomic.StoreInt64(counter, 0)
	}
}

// Active reports the current in-flight count for key.
func (c *ConnLimiter) Active(key string) int64 {
	c.mu.Lock()
	counter, ok := c.counts[key]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(counter)
}

func (c *ConnLimiter) counterFor(key string) *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	counter, ok := c.counts[key]
	if !ok {
		counter = new(int64)
		c.counts[key] = counter
	}
	return counter
}
