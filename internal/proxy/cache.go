package proxy

import (
	"net/http"
	"sync"
	"time"
)

// CacheEntry holds one cached upstream response.
type CacheEntry struct {
	Key        string
	Body       []byte
	StatusCode int
	Header     http.Header
	CachedAt   time.Time
	ExpiresAt  time.Time
}

// Age reports how long ago the entry was stored.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// Cache is a TTL response cache. Expired entries are evicted lazily on
// lookup; there is no background sweep, so memory is bounded by key
// cardinality (license/device/path combinations, not request bodies).
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]CacheEntry
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]CacheEntry),
	}
}

// Get returns the entry for key if it has not expired. An expired
// entry is removed and reported as a miss.
func (c *Cache) Get(key string, now time.Time) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	if !now.Before(entry.ExpiresAt) {
		delete(c.entries, key)
		return CacheEntry{}, false
	}
	return entry, true
}

// Put stores a response under key with the cache's TTL.
func (c *Cache) Put(key string, statusCode int, header http.Header, body []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = CacheEntry{
		Key:        key,
		Body:       append([]byte(nil), body...),
		StatusCode: statusCode,
		Header:     header.Clone(),
		CachedAt:   now,
		ExpiresAt:  now.Add(c.ttl),
	}
}

// Len reports the live entry count, counting expired-but-unswept
// entries too.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
