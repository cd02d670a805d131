package cache

import (
	"sync"
	"time"

	"streamgate/work/metrics"
)

// Both stores here are bounded key/value maps with TTL expiry and FIFO
// eviction on overflow: inserting past capacity removes the oldest surviving
// entry by insertion order, not by recency. Live-stream keys are either hot
// (unexpired) or dead, so recency tracking buys nothing; TTL handles
// staleness and FIFO keeps the bound deterministic.

// SessionMeta is an immutable record of one resolved upstream session.
// Superseded by a fresh resolution, never mutated in place.
type SessionMeta struct {
	EventID   string    // the event identifier this session was resolved for
	StreamURL string    // absolute upstream playlist URL, always non-empty
	Cookies   []string  // ordered "name=value" cookie snapshot from the landing page
	CreatedAt time.Time // resolution timestamp
}

// Age returns how long ago the session was resolved.
func (m *SessionMeta) Age() time.Duration {
	return time.Since(m.CreatedAt)
}

type sessionEntry struct {
	meta      *SessionMeta
	expiresAt time.Time
}

// SessionCache is a bounded, time-expiring store of resolved sessions keyed
// by event id. Reads of an expired entry behave as a miss and drop the entry.
type SessionCache struct {
	mu      sync.RWMutex
	entries map[string]sessionEntry
	order   []string // insertion order for FIFO eviction
	ttl     time.Duration
	max     int
}

// NewSessionCache creates a SessionCache with the given TTL and capacity.
func NewSessionCache(ttl time.Duration, max int) *SessionCache {
	if max < 1 {
		max = 1
	}
	return &SessionCache{
		entries: make(map[string]sessionEntry),
		ttl:     ttl,
		max:     max,
	}
}

// Get returns the cached session for eventID if present and unexpired.
// An expired entry is removed and reported as a miss.
func (c *SessionCache) Get(eventID string) (*SessionMeta, bool) {
	c.mu.RLock()
	entry, exists := c.entries[eventID]
	c.mu.RUnlock()

	if !exists {
		metrics.CacheEvents.WithLabelValues("session", "miss").Inc()
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.Delete(eventID)
		metrics.CacheEvents.WithLabelValues("session", "miss").Inc()
		return nil, false
	}

	metrics.CacheEvents.WithLabelValues("session", "hit").Inc()
	return entry.meta, true
}

// Set stores a resolved session. A session without a stream URL is never
// stored; that invariant is what lets every reader treat a hit as playable.
func (c *SessionCache) Set(eventID string, meta *SessionMeta) {
	if meta == nil || meta.StreamURL == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, existed := c.entries[eventID]
	c.entries[eventID] = sessionEntry{meta: meta, expiresAt: time.Now().Add(c.ttl)}
	if !existed {
		c.order = append(c.order, eventID)
	}
	c.evictOverflowLocked()
}

// Delete removes the entry for eventID, if any.
func (c *SessionCache) Delete(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, eventID)
}

// Len returns the number of live entries (including any not yet swept
// expired ones).
func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Cap returns the configured maximum entry count.
func (c *SessionCache) Cap() int {
	return c.max
}

// TTL returns the configured entry lifetime.
func (c *SessionCache) TTL() time.Duration {
	return c.ttl
}

// Sweep drops all expired entries. Called periodically from a background
// worker so expired sessions do not linger until their next read.
func (c *SessionCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.compactOrderLocked()
}

func (c *SessionCache) evictOverflowLocked() {
	for len(c.entries) > c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			metrics.CacheEvents.WithLabelValues("session", "evict").Inc()
		}
	}
}

func (c *SessionCache) compactOrderLocked() {
	if len(c.order) <= len(c.entries) {
		return
	}
	kept := c.order[:0]
	for _, key := range c.order {
		if _, ok := c.entries[key]; ok {
			kept = append(kept, key)
		}
	}
	c.order = kept
}

// ContentEntry is one cached upstream payload. Treated as an immutable
// snapshot by consumers.
type ContentEntry struct {
	URL         string
	Payload     []byte
	ContentType string
	expiresAt   time.Time
}

// ContentCache is a bounded, time-expiring store of fetched upstream bytes
// keyed by URL. TTL is per-entry: playlists mutate as the live stream
// advances and get a short TTL, immutable binary segments a longer one.
type ContentCache struct {
	mu      sync.RWMutex
	entries map[string]*ContentEntry
	order   []string
	max     int
}

// NewContentCache creates a ContentCache with the given capacity.
func NewContentCache(max int) *ContentCache {
	if max < 1 {
		max = 1
	}
	return &ContentCache{
		entries: make(map[string]*ContentEntry),
		max:     max,
	}
}

// Get returns the cached entry for url if present and unexpired. Expired
// entries are removed and reported as misses.
func (c *ContentCache) Get(url string) (*ContentEntry, bool) {
	c.mu.RLock()
	entry, exists := c.entries[url]
	c.mu.RUnlock()

	if !exists {
		metrics.CacheEvents.WithLabelValues("content", "miss").Inc()
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.Delete(url)
		metrics.CacheEvents.WithLabelValues("content", "miss").Inc()
		return nil, false
	}

	metrics.CacheEvents.WithLabelValues("content", "hit").Inc()
	return entry, true
}

// Set stores a payload under url with the given TTL.
func (c *ContentCache) Set(url string, payload []byte, contentType string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, existed := c.entries[url]
	c.entries[url] = &ContentEntry{
		URL:         url,
		Payload:     payload,
		ContentType: contentType,
		expiresAt:   time.Now().Add(ttl),
	}
	if !existed {
		c.order = append(c.order, url)
	}

	for len(c.entries) > c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			metrics.CacheEvents.WithLabelValues("content", "evict").Inc()
		}
	}
}

// Delete removes the entry for url, if any.
func (c *ContentCache) Delete(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, url)
}

// Len returns the number of stored entries.
func (c *ContentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Cap returns the configured maximum entry count.
func (c *ContentCache) Cap() int {
	return c.max
}

// Sweep drops all expired entries.
func (c *ContentCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.order) > len(c.entries) {
		kept := c.order[:0]
		for _, key := range c.order {
			if _, ok := c.entries[key]; ok {
				kept = append(kept, key)
			}
		}
		c.order = kept
	}
}
