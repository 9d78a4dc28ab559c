// Package memory is the in-process response cache.
package memory

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/cupid/pkg/cache"
	"github.com/pario-ai/cupid/pkg/models"
)

// Cache is a bounded TTL cache that evicts in insertion order.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front is oldest insertion
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

var _ cache.Cache = (*Cache)(nil)

// Option customizes a Cache.
type Option func(*Cache)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// New creates a Cache. Non-positive arguments fall back to the defaults.
func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = cache.DefaultMaxEntries
	}
	c := &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the payload for the request, removing it if expired.
func (c *Cache) Get(rt models.RequestType, params map[string]any) (models.AnalysisResult, bool) {
	key, err := cache.Key(rt, params)
	if err != nil {
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}
	entry := el.Value.(*models.CacheEntry)
	if c.now().After(entry.ExpiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}
	c.hits.Add(1)
	return entry.Payload.Clone(), true
}

// Set stores payload under the derived key. Replacing an existing key keeps a
// single entry and moves it to the newest position.
func (c *Cache) Set(rt models.RequestType, params map[string]any, payload models.AnalysisResult, ttl time.Duration) error {
	key, err := cache.Key(rt, params)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	entry := &models.CacheEntry{
		Key:       key,
		Payload:   payload.Clone(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
	for len(c.entries) >= c.maxEntries {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*models.CacheEntry).Key)
	}
	c.entries[key] = c.order.PushBack(entry)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	return models.CacheStats{
		Entries: int64(c.Len()),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes all entries.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	return nil
}
