package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry is a cached response.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Cache is one tenant's response cache, keyed by request URL.
type Cache struct {
	lru *expirable.LRU[string, Entry]
	ttl time.Duration
}

func newCache(size int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, Entry](size, nil, ttl), ttl: ttl}
}

// Get returns the live entry for key.
func (c *Cache) Get(key string) (Entry, bool) { return c.lru.Get(key) }

// Add stores e under key.
func (c *Cache) Add(key string, e Entry) { c.lru.Add(key, e) }

// Remove drops key.
func (c *Cache) Remove(key string) { c.lru.Remove(key) }

// Keys lists the live keys, oldest first.
func (c *Cache) Keys() []string { return c.lru.Keys() }

// Len is the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge empties the cache.
func (c *Cache) Purge() { c.lru.Purge() }

type snapshotEntry struct {
	Key   string `json:"key"`
	Entry Entry  `json:"entry"`
}

func (c *Cache) snapshot() ([]byte, error) {
	keys := c.lru.Keys()
	out := make([]snapshotEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := c.lru.Peek(k); ok {
			out = append(out, snapshotEntry{Key: k, Entry: e})
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("transport.snapshot: %w", err)
	}
	return data, nil
}

// restore loads a snapshot, skipping entries older than the cache TTL.
func (c *Cache) restore(data []byte, now time.Time) (int, error) {
	var in []snapshotEntry
	if err := json.Unmarshal(data, &in); err != nil {
		return 0, fmt.Errorf("transport.restore: %w", err)
	}
	n := 0
	for _, se := range in {
		if c.ttl > 0 && now.Sub(se.Entry.StoredAt) > c.ttl {
			continue
		}
		c.lru.Add(se.Key, se.Entry)
		n++
	}
	return n, nil
}
