// Package cache holds the lifecycle-scoped caches used for field definitions
// and conversion rules: an in-process TTL map and an optional shared Redis tier.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is an in-process cache whose entries expire ttl after they are set.
// Expired entries are removed lazily on access.
type TTL[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     Clock
	entries map[string]entry[V]
}

// NewTTL creates a TTL cache. A nil clock uses time.Now.
func NewTTL[V any](ttl time.Duration, now Clock) *TTL[V] {
	if now == nil {
		now = time.Now
	}
	return &TTL[V]{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]entry[V]),
	}
}

// TTL returns the configured time to live
func (c *TTL[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value for key if present and not expired
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete removes keys
func (c *TTL[V]) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// DeletePrefix removes every key starting with prefix
func (c *TTL[V]) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Clear removes all entries
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Len returns the number of unexpired entries
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}
