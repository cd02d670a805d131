package session

import (
	"context"

	"streamgate/work/cache"
	"streamgate/work/config"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/resolver"

	"golang.org/x/sync/singleflight"
)

// Coordinator ensures at most one resolution runs per event id at any time.
// Concurrent callers for the same id attach to the in-flight call and share
// its outcome; the pending entry disappears the instant it settles, success
// or failure, so a later call can retry.
type Coordinator struct {
	config   *config.Config
	cache    *cache.SessionCache
	resolver *resolver.Resolver
	group    singleflight.Group
}

// NewCoordinator wires a Coordinator over the session cache and resolver.
func NewCoordinator(cfg *config.Config, sessions *cache.SessionCache, res *resolver.Resolver) *Coordinator {
	return &Coordinator{config: cfg, cache: sessions, resolver: res}
}

// Ensure returns a valid session for eventID, resolving one if the cache
// has no unexpired entry. For N concurrent callers on the same uncached id,
// exactly one upstream resolution sequence executes; all N observe the same
// session or the same error.
//
// The resolution itself runs on a detached context bounded by the upstream
// timeout, never on any single caller's request context: the outcome is
// shared, so one caller disconnecting must not fail the others, and a
// completed resolution is still worth caching even if every waiter left.
//
// Success writes through to the session cache; failure evicts any stale
// entry for the id so the next call starts from scratch.
func (c *Coordinator) Ensure(ctx context.Context, eventID string) (*cache.SessionMeta, error) {
	if meta, ok := c.cache.Get(eventID); ok {
		metrics.SessionResolutions.WithLabelValues("hit").Inc()
		return meta, nil
	}

	v, err, shared := c.group.Do(eventID, func() (interface{}, error) {
		// a winner that finished between our cache miss and this call may
		// already have populated the cache
		if meta, ok := c.cache.Get(eventID); ok {
			return meta, nil
		}

		resolveCtx, cancel := context.WithTimeout(context.Background(), c.config.UpstreamTimeout)
		defer cancel()

		meta, err := c.resolver.Resolve(resolveCtx, eventID)
		if err != nil {
			c.cache.Delete(eventID)
			return nil, err
		}

		c.cache.Set(eventID, meta)
		return meta, nil
	})

	if shared {
		logger.Debug("{session - Ensure} event %s: attached to in-flight resolution", eventID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*cache.SessionMeta), nil
}

// Cached reports whether an unexpired session exists for eventID without
// triggering a resolution.
func (c *Coordinator) Cached(eventID string) bool {
	_, ok := c.cache.Get(eventID)
	return ok
}

// Peek returns the cached session without triggering resolution.
func (c *Coordinator) Peek(eventID string) (*cache.SessionMeta, bool) {
	return c.cache.Get(eventID)
}

// Evict removes the session for eventID, forcing the next Ensure to
// re-resolve.
func (c *Coordinator) Evict(eventID string) {
	c.cache.Delete(eventID)
}
