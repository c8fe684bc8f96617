// Package memcache holds decoded images in memory, bounded by total byte size.
//
// Entries are kept in least recently used order. An image that is in use (has
// an outstanding Handle) is never evicted, whatever its recency; Clear is the
// only operation that drops such entries, and even then the image stays alive
// until its last handle is released.
package memcache

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/panpf/sketch-sub019/internal/logging"
)

const tier = "memory"

// TrimLevel selects how much a Trim releases.
type TrimLevel int

const (
	// TrimModerate evicts down to half of the max size.
	TrimModerate TrimLevel = iota
	// TrimComplete evicts every entry that is not in use.
	TrimComplete
)

// Cache is a byte-bounded LRU of CountedImages, safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *CountedImage]
	maxSize int64
	size    int64
	logger  *logging.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	puts      atomic.Int64
	evictions atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache holding at most maxSize bytes.
func New(maxSize int64, opts ...Option) *Cache {
	// Capacity is enforced in bytes, so the entry count is left unbounded.
	lru, err := simplelru.NewLRU[string, *CountedImage](math.MaxInt, nil)
	if err != nil {
		panic(err)
	}
	c := &Cache{
		lru:     lru,
		maxSize: maxSize,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("memcache")
	return c
}

// Put inserts img under key as the most recent entry. It returns false when
// the key is already present (the first write wins) or img is larger than the
// whole cache.
func (c *Cache) Put(key string, img *CountedImage) bool {
	if img == nil || img.Released() {
		return false
	}
	size := img.Size()

	c.mu.Lock()
	if c.lru.Contains(key) || size > c.maxSize {
		c.mu.Unlock()
		return false
	}
	c.lru.Add(key, img)
	c.size += size
	img.setCached(true)
	c.puts.Add(1)
	evicted := c.trimLocked(c.maxSize)
	c.mu.Unlock()

	c.uncache(evicted, "size")
	c.logger.Debug(context.Background(), "image cached",
		"operation", string(logging.OpMemoryPut),
		"key", key,
		"size", size)
	return true
}

// Get returns the image for key and marks it most recently used. A released
// image found in the cache is dropped and reported as a miss.
func (c *Cache) Get(key string) *CountedImage {
	ctx := context.Background()
	c.mu.Lock()
	img, ok := c.lru.Get(key)
	if ok && img.Released() {
		c.lru.Remove(key)
		c.size -= img.Size()
		c.mu.Unlock()
		c.misses.Add(1)
		logging.LogCacheMiss(ctx, c.logger, tier, key, "released")
		return nil
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		logging.LogCacheMiss(ctx, c.logger, tier, key, "absent")
		return nil
	}
	c.hits.Add(1)
	logging.LogCacheHit(ctx, c.logger, tier, key)
	return img
}

// Exist reports whether key is cached without touching its recency.
func (c *Cache) Exist(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.lru.Peek(key)
	return ok && !img.Released()
}

// Remove drops key from the cache and returns the image that was stored.
func (c *Cache) Remove(key string) *CountedImage {
	c.mu.Lock()
	img, ok := c.lru.Peek(key)
	if ok {
		c.lru.Remove(key)
		c.size -= img.Size()
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	img.setCached(false)
	return img
}

// Trim evicts entries that are not in use according to level.
func (c *Cache) Trim(level TrimLevel) {
	target := c.maxSize / 2
	if level == TrimComplete {
		target = 0
	}
	c.mu.Lock()
	evicted := c.trimLocked(target)
	c.mu.Unlock()
	c.uncache(evicted, "trim")
}

// Clear drops every entry. Images still in use are released when their last
// handle is.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := c.lru.Values()
	c.lru.Purge()
	c.size = 0
	c.mu.Unlock()

	for _, img := range all {
		img.setCached(false)
	}
}

// trimLocked removes least recently used entries that are not in use until the
// size is at most target. It must be called with c.mu held; the caller
// uncaches the returned images after unlocking.
func (c *Cache) trimLocked(target int64) []*CountedImage {
	if c.size <= target {
		return nil
	}
	var evicted []*CountedImage
	for _, key := range c.lru.Keys() {
		if c.size <= target {
			break
		}
		img, _ := c.lru.Peek(key)
		if img.InUse() {
			continue
		}
		c.lru.Remove(key)
		c.size -= img.Size()
		evicted = append(evicted, img)
	}
	return evicted
}

func (c *Cache) uncache(evicted []*CountedImage, reason string) {
	ctx := context.Background()
	for _, img := range evicted {
		c.evictions.Add(1)
		logging.LogEviction(ctx, c.logger, tier, img.Key(), img.Size(), reason)
		img.setCached(false)
	}
}

// Size returns the resident bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the capacity in bytes.
func (c *Cache) MaxSize() int64 { return c.maxSize }

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the cached keys from least to most recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Puts      int64
	Evictions int64
	Size      int64
	MaxSize   int64
	Entries   int
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size, n := c.size, c.lru.Len()
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Puts:      c.puts.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
		MaxSize:   c.maxSize,
		Entries:   n,
	}
}
