// Grounded on redisclient/redis.go for the go-redis/v9 client shape
// and caching/caching.go for the stats/TTL/size-cap bookkeeping
// pattern, retargeted from semantic prompt caching onto a plain
// keyed response cache for finalized proxy responses.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrTooLarge is returned by Store when the encoded value exceeds the
// configured per-value size cap; callers treat this as "skip cache
// store, fall back to pass-through" rather than a hard failure.
var ErrTooLarge = errors.New("cache: value exceeds per-value size cap")

// Config controls TTL and size bounds for cached entries.
type Config struct {
	Addr       string
	TTL        time.Duration
	MaxValueSz int // bytes; 0 disables the cap
}

// DefaultConfig mirrors the gateway's out-of-the-box cache posture:
// short TTL, conservative size cap, opt-in only when Addr is set.
func DefaultConfig() Config {
	return Config{
		TTL:        60 * time.Second,
		MaxValueSz: 1 << 20, // 1 MiB
	}
}

// Stats tracks cache hit/miss/store counters.
type Stats struct {
	Hits   int64
	Misses int64
	Stores int64
	Errors int64
	Skips  int64 // oversized values that bypassed storage
}

// Entry is a decoded cache value: status code, content-type, and body.
type Entry struct {
	Status      int
	ContentType string
	Body        []byte
}

// Cache is an opt-in response cache backed by an external key-value
// store. It is only ever populated from fully finalized,
// identity-encoded 200 OK responses produced by the session engine's
// transform mode.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	maxSz  int
	logger zerolog.Logger

	hits, misses, stores, errs, skips int64
}

// New dials nothing eagerly (go-redis is lazy) and returns a ready
// Cache; Close releases the underlying connection pool.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("cache: Addr is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	return &Cache{
		rdb:    rdb,
		ttl:    ttl,
		maxSz:  cfg.MaxValueSz,
		logger: logger.With().Str("component", "response_cache").Logger(),
	}, nil
}

// Ping verifies connectivity to the backing store, with a 2s timeout.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis client resources.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Get looks up key and decodes it as "status\ncontent-type\nbody".
// A missing key or malformed value is reported as a miss, not an
// error, so a corrupted entry never breaks the forwarding path.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			atomic.AddInt64(&c.errs, 1)
			c.logger.Debug().Err(err).Str("key", key).Msg("cache get failed")
		}
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	entry, ok := decode(raw)
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	return entry, true
}

// Store saves a finalized response. The caller is responsible for
// only calling this for a successfully finalized, identity-encoded
// 200 OK; Store itself only enforces size and TTL.
func (c *Cache) Store(ctx context.Context, key string, status int, contentType string, body []byte) error {
	val := encode(status, contentType, body)
	if c.maxSz > 0 && len(val) > c.maxSz {
		atomic.AddInt64(&c.skips, 1)
		return ErrTooLarge
	}
	if err := c.rdb.Set(ctx, key, val, c.ttl).Err(); err != nil {
		atomic.AddInt64(&c.errs, 1)
		return fmt.Errorf("cache store: %w", err)
	}
	atomic.AddInt64(&c.stores, 1)
	return nil
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Stores: atomic.LoadInt64(&c.stores),
		Errors: atomic.LoadInt64(&c.errs),
		Skips:  atomic.LoadInt64(&c.skips),
	}
}

// Key derives the cache key for a request from its method, path and,
// when non-empty, its query string.
func Key(method, path, query string) string {
	if query == "" {
		return method + " " + path
	}
	return method + " " + path + "?" + query
}

func encode(status int, contentType string, body []byte) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(status))
	b.WriteByte('\n')
	b.WriteString(contentType)
	b.WriteByte('\n')
	b.Write(body)
	return b.String()
}

func decode(raw []byte) (*Entry, bool) {
	first := indexByte(raw, '\n')
	if first < 0 {
		return nil, false
	}
	second := indexByte(raw[first+1:], '\n')
	if second < 0 {
		return nil, false
	}
	second += first + 1

	status, err := strconv.Atoi(string(raw[:first]))
	if err != nil {
		return nil, false
	}
	contentType := string(raw[first+1 : second])
	body := raw[second+1:]

	return &Entry{Status: status, ContentType: contentType, Body: append([]byte(nil), body...)}, true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
