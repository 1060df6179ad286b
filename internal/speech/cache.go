package speech

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of clips retained when no size is configured.
const DefaultCacheSize = 512

// Key identifies a synthesized clip. Rate is the effective rate: voices that
// ignore the rate parameter always use 1.0 so that repeated requests share an
// entry regardless of the caller's preference.
type Key struct {
	Language string
	Voice    string
	Text     string
	Encoding string
	Rate     float64
}

// Cache is a bounded least-recently-used store of synthesized audio.
// Get refreshes recency; Put on a full cache evicts exactly one entry, the one
// accessed least recently. It is safe for concurrent use.
type Cache struct {
	lru *lru.Cache[Key, []byte]
}

// NewCache returns a Cache holding at most size clips. A non-positive size
// falls back to [DefaultCacheSize].
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[Key, []byte](size)
	if err != nil {
		// Only returned for non-positive sizes, which are excluded above.
		panic("speech: " + err.Error())
	}
	return &Cache{lru: c}
}

// Get returns the clip stored under key and marks it most recently used.
func (c *Cache) Get(key Key) ([]byte, bool) {
	return c.lru.Get(key)
}

// Put stores audio under key. Existing keys are refreshed in place.
func (c *Cache) Put(key Key, audio []byte) {
	c.lru.Add(key, audio)
}

// Contains reports whether key is cached without touching its recency.
func (c *Cache) Contains(key Key) bool {
	return c.lru.Contains(key)
}

// Len returns the number of cached clips.
func (c *Cache) Len() int {
	return c.lru.Len()
}
