// Package cache provides the bounded result cache: TTL expiry, a byte
// budget enforced by insertion-order (FIFO) eviction, glob-pattern
// clearing, and hit/miss accounting.
//
// Eviction is deliberately FIFO, not LRU: Get does not refresh an
// entry's position, so under pressure the oldest-inserted entry goes
// first. At the entry counts this engine sees, recency tracking buys
// nothing measurable.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"sync"
	"time"
)

// entry is a cached value with its absolute expiry and tracked size.
// Entries never leave this package.
type entry struct {
	key    string
	value  []byte
	expiry time.Time
	size   int
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Entries    int     `json:"entries"`
	TotalBytes int     `json:"total_bytes"`
}

// Cache is a bounded key/value store for encoded job results.
// It is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // insertion order, oldest at front
	maxBytes   int
	totalBytes int
	defaultTTL time.Duration
	hits       uint64
	misses     uint64
}

// New creates a Cache bounded to maxBytes. Entries stored with a zero
// TTL live for defaultTTL.
func New(maxBytes int, defaultTTL time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
	}
}

// Key derives the deterministic cache key for a job type and payload.
func Key(jobType string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(payload)
	return jobType + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// Get returns the cached value for key. An expired entry counts as a
// miss and is purged on the spot.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := el.Value.(*entry)
	if time.Now().After(e.expiry) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}

	c.hits++
	return e.value, true
}

// Set stores value under key with the given TTL (zero means the cache
// default). Any prior entry for the key is replaced first, then the
// oldest-inserted entries are evicted until the new entry fits the byte
// budget.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}

	size := len(value) + len(key)
	if size > c.maxBytes {
		// Value can never fit; refuse rather than empty the cache for it.
		return
	}
	for c.totalBytes+size > c.maxBytes && c.order.Len() > 0 {
		c.removeLocked(c.order.Front())
	}

	e := &entry{
		key:    key,
		value:  append([]byte(nil), value...),
		expiry: time.Now().Add(ttl),
		size:   size,
	}
	c.entries[key] = c.order.PushBack(e)
	c.totalBytes += size
}

// Delete removes the entry for key, if present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

// Clear removes entries matching the glob pattern ('*' wildcards), or
// everything when pattern is empty. Returns the number removed.
func (c *Cache) Clear(pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		n := c.order.Len()
		c.entries = make(map[string]*list.Element)
		c.order.Init()
		c.totalBytes = 0
		return n, nil
	}

	// Validate the pattern once up front.
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if ok, _ := path.Match(pattern, e.key); ok {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed, nil
}

// Prune drops all expired entries and returns the number removed.
// Called by the maintenance sweep so expired values don't sit against
// the byte budget until their next Get.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*entry).expiry) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Stats returns hit/miss accounting and the tracked byte total.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Entries:    c.order.Len(),
		TotalBytes: c.totalBytes,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.key)
	c.totalBytes -= e.size
}
