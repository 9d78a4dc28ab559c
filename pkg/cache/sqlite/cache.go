// Package sqlite is a response cache that survives restarts.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/cupid/pkg/cache"
	"github.com/pario-ai/cupid/pkg/models"
)

// Cache persists parsed results in SQLite with the same TTL and
// insertion-order eviction rules as the in-memory cache.
type Cache struct {
	db         *sql.DB
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	hits       atomic.Int64
	misses     atomic.Int64
}

var _ cache.Cache = (*Cache)(nil)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS response_cache (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	cache_key TEXT NOT NULL UNIQUE,
	request_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at_ms INTEGER NOT NULL,
	expires_at_ms INTEGER NOT NULL
);
`

// Option customizes a Cache.
type Option func(*Cache)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// New opens (or creates) the cache database at dbPath.
func New(dbPath string, ttl time.Duration, maxEntries int, opts ...Option) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = cache.DefaultMaxEntries
	}
	c := &Cache{db: db, ttl: ttl, maxEntries: maxEntries, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Get returns the cached payload, deleting it if expired.
func (c *Cache) Get(rt models.RequestType, params map[string]any) (models.AnalysisResult, bool) {
	key, err := cache.Key(rt, params)
	if err != nil {
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var payload []byte
	var expiresAt int64
	err = c.db.QueryRow(
		`SELECT payload, expires_at_ms FROM response_cache WHERE cache_key = ?`, key,
	).Scan(&payload, &expiresAt)
	if err != nil {
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}

	if c.now().UnixMilli() > expiresAt {
		_, _ = c.db.Exec(`DELETE FROM response_cache WHERE cache_key = ?`, key)
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}

	var result models.AnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}
	c.hits.Add(1)
	return result, true
}

// Set stores payload, evicting the oldest insertions beyond the size bound.
// The whole write runs in one transaction.
func (c *Cache) Set(rt models.RequestType, params map[string]any, payload models.AnalysisResult, ttl time.Duration) error {
	key, err := cache.Key(rt, params)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM response_cache WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM response_cache`).Scan(&count); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	if excess := count - c.maxEntries + 1; excess > 0 {
		_, err := tx.Exec(
			`DELETE FROM response_cache WHERE seq IN (SELECT seq FROM response_cache ORDER BY seq ASC LIMIT ?)`,
			excess,
		)
		if err != nil {
			return fmt.Errorf("cache evict: %w", err)
		}
	}
	_, err = tx.Exec(
		`INSERT INTO response_cache (cache_key, request_type, payload, created_at_ms, expires_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		key, string(rt), data, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM response_cache`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes all cache entries.
func (c *Cache) Clear() error {
	return c.clear(`DELETE FROM response_cache`)
}

// ClearExpired removes only entries past their expiry.
func (c *Cache) ClearExpired() error {
	return c.clear(`DELETE FROM response_cache WHERE expires_at_ms < ?`, c.now().UnixMilli())
}

func (c *Cache) clear(query string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(query, args...); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
