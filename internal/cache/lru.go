// Package cache provides caching implementations for Spendguard.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/spendguard/internal/domain"
)

const defaultLRUSize = 10000

// LRUCache is a thread-safe LRU cache with per-entry TTL and fixed-window
// counters. Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*window
	now      func() time.Time

	hits, misses, evictions int64
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// window is one rate-limit window for a counter key.
type window struct {
	count int64
	ends  time.Time
}

// LRUStats describes an LRUCache at a point in time.
type LRUStats struct {
	Size      int
	Capacity  int
	Counters  int
	Hits      int64
	Misses    int64
	Evictions int64
}

// NewLRUCache creates a new LRU cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = defaultLRUSize
	}
	return &LRUCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*window),
		now:      time.Now,
	}
}

// Get retrieves a value. Misses and expired entries return nil, nil.
func (c *LRUCache) Get(ctx context.Context, userID string, key string) ([]byte, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[scopedKey(userID, key)]
	if !ok {
		c.misses++
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if entry.expired(c.now()) {
		c.remove(elem)
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, nil
}

// Set stores a value. A non-positive ttl keeps the entry until it is evicted.
func (c *LRUCache) Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error {
	if userID == "" {
		return ErrUserRequired
	}

	fullKey := scopedKey(userID, key)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[fullKey] = c.order.PushFront(&cacheEntry{
		key:       fullKey,
		value:     value,
		expiresAt: expiresAt,
	})

	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
		c.evictions++
	}
	return nil
}

// Delete removes a value.
func (c *LRUCache) Delete(ctx context.Context, userID string, key string) error {
	if userID == "" {
		return ErrUserRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[scopedKey(userID, key)]; ok {
		c.remove(elem)
	}
	return nil
}

// GetTransaction retrieves a cached transaction.
func (c *LRUCache) GetTransaction(ctx context.Context, userID string, txID string) (*domain.Transaction, error) {
	return getTransaction(ctx, c, userID, txID)
}

// SetTransaction caches a transaction.
func (c *LRUCache) SetTransaction(ctx context.Context, userID string, tx *domain.Transaction, ttl time.Duration) error {
	return setTransaction(ctx, c, userID, tx, ttl)
}

// IncrementCounter counts hits in a fixed window that starts on the first hit.
// Counters do not occupy LRU slots. Expired windows are swept once the
// counter map outgrows the cache capacity.
func (c *LRUCache) IncrementCounter(ctx context.Context, userID string, key string, win time.Duration) (int64, error) {
	if userID == "" {
		return 0, ErrUserRequired
	}

	fullKey := scopedKey(userID, counterKey(key))
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.counters[fullKey]
	if !ok || !now.Before(w.ends) {
		if len(c.counters) >= c.maxSize {
			c.sweepCounters(now)
		}
		c.counters[fullKey] = &window{count: 1, ends: now.Add(win)}
		return 1, nil
	}

	w.count++
	return w.count, nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry and counter.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.counters = make(map[string]*window)
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Size:      c.order.Len(),
		Capacity:  c.maxSize,
		Counters:  len(c.counters),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *LRUCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).key)
}

func (c *LRUCache) sweepCounters(now time.Time) {
	for k, w := range c.counters {
		if !now.Before(w.ends) {
			delete(c.counters, k)
		}
	}
}
