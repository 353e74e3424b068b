// Package cache implements the request-level candlestick cache. Responses
// are fingerprinted by exchange, market pair, interval and request window, and
// live for an interval-dependent TTL: near-real-time 1m data goes stale in
// seconds, while wide intervals can be served for minutes.
package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/candleproxy/candleproxy/exchange/common"
)

// ErrCacheMiss means: the value was not in the cache, or had expired
var ErrCacheMiss = errors.New("cache miss")

// DefaultSize is the entry capacity used when none is configured.
const DefaultSize = 10_000

// DefaultTTL applies to intervals without an explicit TTL entry.
const DefaultTTL = 60 * time.Second

// DefaultTTLs returns the per-interval response lifetimes. The 1m interval
// gets the shortest one because its newest candlestick changes the fastest.
func DefaultTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		"1m":  30 * time.Second,
		"5m":  120 * time.Second,
		"15m": 300 * time.Second,
		"30m": 600 * time.Second,
		"1h":  600 * time.Second,
		"2h":  600 * time.Second,
		"4h":  600 * time.Second,
		"8h":  600 * time.Second,
		"1d":  600 * time.Second,
		"1w":  600 * time.Second,
	}
}

// Key fingerprints a candlestick request. Exactly one of SinceMs and Limit is
// meaningful: SinceMs is -1 for limit-mode requests and Limit is 0 for
// since-mode requests.
type Key struct {
	Exchange string
	Pair     string
	Interval string
	SinceMs  int64
	Limit    int
}

type entry struct {
	candlesticks []common.Candlestick
	expiresAt    time.Time
}

// MemoryCache is an in-memory LRU of candlestick responses with per-interval
// TTLs. The zero value is not usable; use New.
type MemoryCache struct {
	entries    *lru.Cache
	ttls       map[string]time.Duration
	defaultTTL time.Duration
	timeNow    func() time.Time

	mu            sync.Mutex
	cacheRequests int
	cacheMisses   int
}

// New constructs a MemoryCache holding up to size entries with the given
// per-interval TTLs. Non-positive sizes fall back to DefaultSize and a nil
// ttls map falls back to DefaultTTLs().
func New(size int, ttls map[string]time.Duration) *MemoryCache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttls == nil {
		ttls = DefaultTTLs()
	}
	entries, _ := lru.New(size)
	return &MemoryCache{
		entries:    entries,
		ttls:       ttls,
		defaultTTL: DefaultTTL,
		timeNow:    time.Now,
	}
}

// Get returns the cached candlesticks for the key, or ErrCacheMiss when the
// key is absent or its entry has expired. Expired entries are evicted.
func (c *MemoryCache) Get(k Key) ([]common.Candlestick, error) {
	c.mu.Lock()
	c.cacheRequests++
	c.mu.Unlock()

	if v, ok := c.entries.Get(k); ok {
		e := v.(entry)
		if c.timeNow().Before(e.expiresAt) {
			return e.candlesticks, nil
		}
		c.entries.Remove(k)
	}

	c.mu.Lock()
	c.cacheMisses++
	c.mu.Unlock()
	return nil, ErrCacheMiss
}

// Put stores the candlesticks under the key for the interval's TTL. Intervals
// with a configured TTL of zero are not cached at all.
func (c *MemoryCache) Put(k Key, candlesticks []common.Candlestick) {
	ttl, ok := c.ttls[k.Interval]
	if !ok {
		ttl = c.defaultTTL
	}
	if ttl <= 0 {
		return
	}
	c.entries.Add(k, entry{candlesticks: candlesticks, expiresAt: c.timeNow().Add(ttl)})
}

// Stats returns how many Gets were served and how many of them missed.
func (c *MemoryCache) Stats() (requests, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheRequests, c.cacheMisses
}
