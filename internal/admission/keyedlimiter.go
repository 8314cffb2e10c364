// Grounded on middleware/ratelimit.go's per-key windows map and
// Cleanup method, generalized with an explicit container/list LRU so
// a long-lived gateway with many distinct keys (per-IP, per-path,
// per-API-key) doesn't grow the map unboundedly between cleanups.
package admission

import (
	"container/list"
	"sync"
	"time"
)

// KeyedLimiter owns one TokenBucket per key, bounded by maxEntries
// with least-recently-used eviction and an idle TTL sweep.
type KeyedLimiter struct {
	mu         sync.Mutex
	rate       float64
	burst      int
	maxEntries int
	idleTTL    time.Duration

	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

type limiterEntry struct {
	key        string
	bucket     *TokenBucket
	lastAccess time.Time
}

// NewKeyedLimiter builds a limiter; maxEntries <= 0 disables the cap.
func NewKeyedLimiter(ratePerSec float64, burst, maxEntries int, idleTTL time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		rate:       ratePerSec,
		burst:      burst,
		maxEntries: maxEntries,
		idleTTL:    idleTTL,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Allow consumes one token from key's bucket, creating it on first use.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.bucketFor(key).Allow()
}

// Remaining reports the current token count for key without creating
// a bucket if one already exists; if none exists, a full bucket's
// remaining count is returned without retaining the entry.
func (k *KeyedLimiter) Remaining(key string) int {
	k.mu.Lock()
	el, ok := k.entries[key]
	k.mu.Unlock()
	if !ok {
		return k.burst
	}
	return el.Value.(*limiterEntry).bucket.Remaining()
}

func (k *KeyedLimiter) bucketFor(key string) *TokenBucket {
	k.mu.Lock()
	defer k.mu.Unlock()

	if el, ok := k.entries[key]; ok {
		k.order.MoveToFront(el)
		ent := el.Value.(*limiterEntry)
		ent.lastAccess = time.Now()
		return ent.bucket
	}

	ent := &limiterEntry{key: key, bucket: NewTokenBucket(k.rate, k.burst), lastAccess: time.Now()}
	el := k.order.PushFront(ent)
	k.entries[key] = el

	if k.maxEntries > 0 && len(k.entries) > k.maxEntries {
		k.evictOldestLocked()
	}
	return ent.bucket
}

func (k *KeyedLimiter) evictOldestLocked() {
	oldest := k.order.Back()
	if oldest == nil {
		return
	}
	k.order.Remove(oldest)
	delete(k.entries, oldest.Value.(*limiterEntry).key)
}

// Sweep removes entries untouched for longer than idleTTL. Intended
// to run on a periodic ticker alongside the eviction-on-insert path,
// the same "Cleanup, call periodically" pattern as the rate limiter
// it's grounded on.
func (k *KeyedLimiter) Sweep() {
	if k.idleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-k.idleTTL)

	k.mu.Lock()
	defer k.mu.Unlock()
	for el := k.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*limiterEntry)
		if ent.lastAccess.Before(cutoff) {
			k.order.Remove(el)
			delete(k.entries, ent.key)
		} else {
			// list is ordered MRU-to-LRU from the front; once we hit
			// one entry still fresh, everything closer to the front
			// is fresher too.
			break
		}
		el = prev
	}
}

// Len reports the current number of tracked keys, for admin/metrics
// reporting.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
