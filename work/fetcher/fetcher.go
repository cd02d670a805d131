package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"

	"streamgate/work/cache"
	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/cookies"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/utils"

	"golang.org/x/sync/singleflight"
)

// ErrBusy reports that the global in-flight upstream fetch cap is reached.
// Requests hitting it are rejected immediately rather than queued.
var ErrBusy = errors.New("upstream fetch capacity exhausted")

// Fetcher is the read-through layer over the content cache. Concurrent
// requests for the same upstream URL share one fetch; every upstream call
// holds a slot on a global semaphore capping total in-flight work.
type Fetcher struct {
	config *config.Config
	client *client.UpstreamClient
	cache  *cache.ContentCache
	group  singleflight.Group
	slots  chan struct{}
}

// StreamHandle is a live upstream response for payloads too large (or of
// unknown size) to buffer. Exactly one caller may claim it; the claimer owns
// the body and must Close it, which also releases the fetch slot.
type StreamHandle struct {
	Resp    *http.Response
	claimed atomic.Bool
	release func()
}

// Claim marks the handle as owned by the caller. Returns false when another
// coalesced caller got there first.
func (h *StreamHandle) Claim() bool {
	return h.claimed.CompareAndSwap(false, true)
}

// Close closes the upstream body and releases the fetch slot.
func (h *StreamHandle) Close() {
	h.Resp.Body.Close()
	h.release()
}

// New creates a Fetcher over the given upstream client and content cache.
func New(cfg *config.Config, upstream *client.UpstreamClient, content *cache.ContentCache) *Fetcher {
	return &Fetcher{
		config: cfg,
		client: upstream,
		cache:  content,
		slots:  make(chan struct{}, cfg.MaxInflightFetches),
	}
}

// acquireSlot takes a slot on the in-flight semaphore without blocking.
func (f *Fetcher) acquireSlot() (func(), error) {
	select {
	case f.slots <- struct{}{}:
		metrics.InflightFetches.Inc()
		return func() {
			<-f.slots
			metrics.InflightFetches.Dec()
		}, nil
	default:
		metrics.RejectedFetches.Inc()
		return nil, ErrBusy
	}
}

// FetchText fetches playlist text through the cache, coalescing concurrent
// fetches of the same URL. Only 2xx responses are cached, with the playlist
// TTL; a live playlist goes stale in seconds.
//
// The coalesced upstream call runs on a detached context bounded by the
// upstream timeout, not on ctx: its result is shared, so one waiter's
// disconnect must not cancel the fetch out from under the others.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string, cookieSnap []string) (*cache.ContentEntry, error) {
	if entry, ok := f.cache.Get(rawURL); ok {
		return entry, nil
	}

	v, err, _ := f.group.Do(rawURL, func() (interface{}, error) {
		if entry, ok := f.cache.Get(rawURL); ok {
			return entry, nil
		}

		release, err := f.acquireSlot()
		if err != nil {
			return nil, err
		}
		defer release()

		fetchCtx, cancel := context.WithTimeout(context.Background(), f.config.UpstreamTimeout)
		defer cancel()

		resp, err := f.client.FetchText(fetchCtx, rawURL, f.hydrate(rawURL, cookieSnap))
		if err != nil {
			metrics.UpstreamErrors.WithLabelValues("playlist").Inc()
			return nil, err
		}

		payload := []byte(resp.Body)
		f.cache.Set(rawURL, payload, resp.ContentType, f.config.PlaylistTTL)
		return &cache.ContentEntry{URL: rawURL, Payload: payload, ContentType: resp.ContentType}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cache.ContentEntry), nil
}

// FetchSegment fetches a binary segment through the cache. Payloads with a
// known size within the cacheable bound are buffered, cached with the
// segment TTL and returned as an entry; larger or unknown-size payloads come
// back as a StreamHandle for direct piping. Exactly one of entry and handle
// is non-nil on success.
func (f *Fetcher) FetchSegment(ctx context.Context, rawURL string, cookieSnap []string) (*cache.ContentEntry, *StreamHandle, error) {
	if entry, ok := f.cache.Get(rawURL); ok {
		return entry, nil, nil
	}

	v, err, _ := f.group.Do(rawURL, func() (interface{}, error) {
		if entry, ok := f.cache.Get(rawURL); ok {
			return entry, nil
		}
		return f.fetchSegmentLocked(rawURL, cookieSnap)
	})
	if err != nil {
		return nil, nil, err
	}

	switch result := v.(type) {
	case *cache.ContentEntry:
		return result, nil, nil
	case *StreamHandle:
		if result.Claim() {
			return nil, result, nil
		}
		// a coalesced caller already owns the stream; open our own
		logger.Debug("{fetcher - FetchSegment} stream for %s already claimed, opening direct", utils.LogURL(f.config, rawURL))
		handle, err := f.OpenDirect(ctx, rawURL, cookieSnap)
		return nil, handle, err
	default:
		return nil, nil, errors.New("unexpected fetch result type")
	}
}

// fetchSegmentLocked runs inside the singleflight call with no slot held
// yet. The coalesced fetch is context-detached like FetchText; for the
// stream case the context lives until the handle is closed.
func (f *Fetcher) fetchSegmentLocked(rawURL string, cookieSnap []string) (interface{}, error) {
	release, err := f.acquireSlot()
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(context.Background(), f.config.UpstreamTimeout)

	resp, err := f.client.FetchStream(fetchCtx, rawURL, f.hydrate(rawURL, cookieSnap))
	if err != nil {
		cancel()
		release()
		metrics.UpstreamErrors.WithLabelValues("segment").Inc()
		return nil, err
	}

	if resp.ContentLength >= 0 && resp.ContentLength <= f.config.MaxCacheablePayload {
		defer cancel()
		defer release()
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxCacheablePayload+1))
		if err != nil {
			metrics.UpstreamErrors.WithLabelValues("segment").Inc()
			return nil, err
		}

		contentType := resp.Header.Get("Content-Type")
		f.cache.Set(rawURL, payload, contentType, f.config.SegmentTTL)
		return &cache.ContentEntry{URL: rawURL, Payload: payload, ContentType: contentType}, nil
	}

	return &StreamHandle{Resp: resp, release: func() {
		cancel()
		release()
	}}, nil
}

// OpenDirect opens an uncoalesced upstream stream, still counted against the
// in-flight cap. Used when a shared stream was claimed by another caller.
func (f *Fetcher) OpenDirect(ctx context.Context, rawURL string, cookieSnap []string) (*StreamHandle, error) {
	release, err := f.acquireSlot()
	if err != nil {
		return nil, err
	}

	resp, err := f.client.FetchStream(ctx, rawURL, f.hydrate(rawURL, cookieSnap))
	if err != nil {
		release()
		metrics.UpstreamErrors.WithLabelValues("segment").Inc()
		return nil, err
	}

	handle := &StreamHandle{Resp: resp, release: release}
	handle.Claim()
	return handle, nil
}

// StorePlaylist caches rewritable playlist text discovered on the segment
// route, using the playlist TTL.
func (f *Fetcher) StorePlaylist(rawURL string, payload []byte, contentType string) {
	f.cache.Set(rawURL, payload, contentType, f.config.PlaylistTTL)
}

func (f *Fetcher) hydrate(rawURL string, cookieSnap []string) http.CookieJar {
	scope, err := url.Parse(rawURL)
	if err != nil {
		scope = nil
	}
	return cookies.Hydrate(cookieSnap, scope)
}
