// Package cache provides the per-connection TTL cache for decoded responses.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a decoded response stays valid.
const DefaultTTL = 5 * time.Minute

type entry struct {
	data     any
	storedAt time.Time
}

// ResponseCache maps request fingerprints to decoded responses.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration
	sweepEvery int
	now        func() time.Time
}

// NewResponseCache creates a cache whose entries live for ttl. Every
// sweepEvery-th insert triggers a full sweep of expired entries; zero
// disables periodic sweeps.
func NewResponseCache(ttl time.Duration, sweepEvery int) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		sweepEvery: sweepEvery,
		now:        time.Now,
	}
}

// Get returns the value stored under key if it has not expired. An expired
// entry is removed.
func (c *ResponseCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.expired(e) {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

// Put stores a value. An empty key is ignored.
func (c *ResponseCache) Put(key string, data any) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{data: data, storedAt: c.now()}
	if c.sweepEvery > 0 && len(c.entries)%c.sweepEvery == 0 {
		c.sweepLocked()
	}
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *ResponseCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked()
}

// Clear removes all entries, optionally filtering by key prefix.
func (c *ResponseCache) Clear(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prefix == "" {
		n := len(c.entries)
		c.entries = make(map[string]*entry)
		return n
	}
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of stored entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResponseCache) expired(e *entry) bool {
	return c.now().Sub(e.storedAt) >= c.ttl
}

func (c *ResponseCache) sweepLocked() int {
	n := 0
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Fingerprint derives the cache key for a request: METHOD:url:hash, where
// hash covers the canonical JSON encoding of params. It returns "" when
// params cannot be encoded; such requests are not cacheable.
func Fingerprint(method, rawURL string, params any) string {
	h := sha256.New()
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return ""
		}
		h.Write(b)
	}
	return strings.ToUpper(method) + ":" + rawURL + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}
