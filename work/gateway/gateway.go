package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"streamgate/work/buffer"
	"streamgate/work/cache"
	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/fetcher"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/resolver"
	"streamgate/work/rewriter"
	"streamgate/work/session"
	"streamgate/work/utils"

	"github.com/grafana/regexp"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// eventIDPattern is the only event id shape the gateway accepts. Checked
// before any upstream work happens.
var eventIDPattern = regexp.MustCompile(`^[0-9]+$`)

// EventStats tracks per-event serving counters, surfaced on the debug route.
type EventStats struct {
	PrepareCalls   int64
	PlaylistServes int64
	SegmentServes  int64
	ActiveStreams  int64
	BytesOut       int64
}

// Gateway ties the session coordinator, the content fetcher and the playlist
// rewriter together behind the HTTP surface.
type Gateway struct {
	Config       *config.Config
	Sessions     *session.Coordinator
	Fetcher      *fetcher.Fetcher
	SessionCache *cache.SessionCache
	ContentCache *cache.ContentCache
	WorkerPool   *ants.Pool
	BufferPool   *buffer.Pool

	events    *xsync.MapOf[string, *EventStats]
	startedAt time.Time
}

// New assembles a Gateway from its already-constructed parts.
func New(cfg *config.Config, sessions *session.Coordinator, ftch *fetcher.Fetcher,
	sessionCache *cache.SessionCache, contentCache *cache.ContentCache,
	pool *ants.Pool, buffers *buffer.Pool) *Gateway {

	return &Gateway{
		Config:       cfg,
		Sessions:     sessions,
		Fetcher:      ftch,
		SessionCache: sessionCache,
		ContentCache: contentCache,
		WorkerPool:   pool,
		BufferPool:   buffers,
		events:       xsync.NewMapOf[string, *EventStats](),
		startedAt:    time.Now(),
	}
}

// ValidEventID reports whether id is an acceptable event identifier.
func ValidEventID(id string) bool {
	return eventIDPattern.MatchString(id)
}

func (g *Gateway) stats(eventID string) *EventStats {
	s, _ := g.events.LoadOrCompute(eventID, func() *EventStats {
		return &EventStats{}
	})
	return s
}

// Prepare resolves and caches a session for the event ahead of playback.
// Idempotent; a second call while the session is live is a cache hit. On
// success the stream playlist is warmed in the background.
func (g *Gateway) Prepare(w http.ResponseWriter, r *http.Request, eventID string) {
	cached := g.Sessions.Cached(eventID)

	meta, err := g.Sessions.Ensure(r.Context(), eventID)
	if err != nil {
		g.writeError(w, r, eventID, "prepare", err)
		return
	}

	stats := g.stats(eventID)
	atomic.AddInt64(&stats.PrepareCalls, 1)

	g.warmPlaylist(eventID, meta)

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"eventId":    eventID,
		"cached":     cached,
		"ttlSeconds": int(g.SessionCache.TTL().Seconds()),
	})
}

// warmPlaylist pre-fetches the playlist into the content cache so the first
// player request is served warm. Best effort; failures only log.
func (g *Gateway) warmPlaylist(eventID string, meta *cache.SessionMeta) {
	if g.WorkerPool == nil {
		return
	}
	streamURL := meta.StreamURL
	cookieSnap := meta.Cookies
	err := g.WorkerPool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.Config.UpstreamTimeout)
		defer cancel()
		if _, err := g.Fetcher.FetchText(ctx, streamURL, cookieSnap); err != nil {
			logger.Debug("{gateway - warmPlaylist} warmup for event %s failed: %v", eventID, err)
		}
	})
	if err != nil {
		logger.Debug("{gateway - warmPlaylist} pool rejected warmup for event %s: %v", eventID, err)
	}
}

// Metadata returns the resolved stream location for an event. Session
// cookies are internal and never serialized here.
func (g *Gateway) Metadata(w http.ResponseWriter, r *http.Request, eventID string) {
	meta, err := g.Sessions.Ensure(r.Context(), eventID)
	if err != nil {
		g.writeError(w, r, eventID, "metadata", err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"eventId":   eventID,
		"streamUrl": meta.StreamURL,
		"createdAt": meta.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// Playlist serves the event's HLS playlist with every URI line rewritten to
// route back through the gateway.
func (g *Gateway) Playlist(w http.ResponseWriter, r *http.Request, eventID string) {
	meta, err := g.Sessions.Ensure(r.Context(), eventID)
	if err != nil {
		g.writeError(w, r, eventID, "playlist", err)
		return
	}

	entry, err := g.Fetcher.FetchText(r.Context(), meta.StreamURL, meta.Cookies)
	if err != nil {
		g.writeError(w, r, eventID, "playlist", err)
		return
	}

	base, _ := url.Parse(meta.StreamURL)
	text := string(entry.Payload)
	body := rewriter.Rewrite(text, base, eventID)

	switch rewriter.Classify(text) {
	case rewriter.KindMaster:
		logger.Debug("{gateway - Playlist} event %s: serving master playlist", eventID)
	case rewriter.KindMedia:
		logger.Debug("{gateway - Playlist} event %s: serving media playlist", eventID)
	default:
		logger.Warn("{gateway - Playlist} event %s: upstream playlist did not decode", eventID)
	}

	stats := g.stats(eventID)
	atomic.AddInt64(&stats.PlaylistServes, 1)
	atomic.AddInt64(&stats.BytesOut, int64(len(body)))
	metrics.BytesProxied.WithLabelValues("playlist").Add(float64(len(body)))

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

// Segment proxies one upstream media URL named by the url query parameter.
// Playlist payloads discovered here are rewritten like the main playlist;
// binary payloads are cached when small enough and streamed otherwise.
func (g *Gateway) Segment(w http.ResponseWriter, r *http.Request, eventID string) {
	rawURL := r.URL.Query().Get("url")
	if !validSegmentURL(rawURL) {
		http.Error(w, "missing or invalid url parameter", http.StatusBadRequest)
		return
	}

	meta, err := g.Sessions.Ensure(r.Context(), eventID)
	if err != nil {
		g.writeError(w, r, eventID, "segment", err)
		return
	}

	entry, handle, err := g.Fetcher.FetchSegment(r.Context(), rawURL, meta.Cookies)
	if err != nil {
		g.writeError(w, r, eventID, "segment", err)
		return
	}

	if entry != nil {
		g.serveBufferedSegment(w, eventID, rawURL, entry)
		return
	}
	g.serveStreamedSegment(w, r, eventID, rawURL, handle)
}

func (g *Gateway) serveBufferedSegment(w http.ResponseWriter, eventID, rawURL string, entry *cache.ContentEntry) {
	stats := g.stats(eventID)

	if rewriter.IsPlaylist(rawURL, entry.ContentType) {
		base, _ := url.Parse(rawURL)
		body := rewriter.Rewrite(string(entry.Payload), base, eventID)
		atomic.AddInt64(&stats.PlaylistServes, 1)
		atomic.AddInt64(&stats.BytesOut, int64(len(body)))
		metrics.BytesProxied.WithLabelValues("playlist").Add(float64(len(body)))
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, body)
		return
	}

	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	atomic.AddInt64(&stats.SegmentServes, 1)
	atomic.AddInt64(&stats.BytesOut, int64(len(entry.Payload)))
	metrics.BytesProxied.WithLabelValues("segment").Add(float64(len(entry.Payload)))

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Payload)
}

func (g *Gateway) serveStreamedSegment(w http.ResponseWriter, r *http.Request, eventID, rawURL string, handle *fetcher.StreamHandle) {
	defer handle.Close()

	resp := handle.Resp
	contentType := resp.Header.Get("Content-Type")

	// a nested playlist can arrive with no Content-Length and land here
	if rewriter.IsPlaylist(rawURL, contentType) {
		payload, err := io.ReadAll(io.LimitReader(resp.Body, g.Config.MaxCacheablePayload+1))
		if err != nil {
			g.writeError(w, r, eventID, "segment", err)
			return
		}
		if int64(len(payload)) > g.Config.MaxCacheablePayload {
			logger.Warn("{gateway - Segment} playlist at %s exceeds the cacheable bound, refusing to truncate", utils.LogURL(g.Config, rawURL))
			http.Error(w, "upstream playlist too large", http.StatusBadGateway)
			return
		}
		g.Fetcher.StorePlaylist(rawURL, payload, contentType)
		g.serveBufferedSegment(w, eventID, rawURL, &cache.ContentEntry{
			URL:         rawURL,
			Payload:     payload,
			ContentType: contentType,
		})
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", resp.Header.Get("Content-Length"))
	}
	w.WriteHeader(http.StatusOK)

	buf := g.BufferPool.Get()
	defer g.BufferPool.Put(buf)

	stats := g.stats(eventID)
	atomic.AddInt64(&stats.SegmentServes, 1)
	atomic.AddInt64(&stats.ActiveStreams, 1)
	defer atomic.AddInt64(&stats.ActiveStreams, -1)

	written, err := io.CopyBuffer(w, resp.Body, buf.B)
	atomic.AddInt64(&stats.BytesOut, written)
	metrics.BytesProxied.WithLabelValues("segment").Add(float64(written))

	if err != nil {
		// headers are already out; all we can do is tear the stream down
		logger.Debug("{gateway - Segment} stream for event %s ended after %d bytes: %v", eventID, written, err)
	}
}

// Health reports process uptime and cache occupancy.
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"uptimeSeconds":   int(time.Since(g.startedAt).Seconds()),
		"sessionCacheLen": g.SessionCache.Len(),
		"sessionCacheMax": g.SessionCache.Cap(),
		"contentCacheLen": g.ContentCache.Len(),
		"contentCacheMax": g.ContentCache.Cap(),
	})
}

// Debug exposes the cached session state and serving counters for one event.
// Cookies never appear in the output.
func (g *Gateway) Debug(w http.ResponseWriter, r *http.Request, eventID string) {
	out := map[string]interface{}{
		"eventId": eventID,
		"cached":  false,
	}

	if meta, ok := g.Sessions.Peek(eventID); ok {
		out["cached"] = true
		out["streamUrl"] = utils.LogURL(g.Config, meta.StreamURL)
		out["ageSeconds"] = int(meta.Age().Seconds())
		out["cookieCount"] = len(meta.Cookies)
	}

	if s, ok := g.events.Load(eventID); ok {
		out["prepareCalls"] = atomic.LoadInt64(&s.PrepareCalls)
		out["playlistServes"] = atomic.LoadInt64(&s.PlaylistServes)
		out["segmentServes"] = atomic.LoadInt64(&s.SegmentServes)
		out["activeStreams"] = atomic.LoadInt64(&s.ActiveStreams)
		out["bytesOut"] = atomic.LoadInt64(&s.BytesOut)
	}

	g.writeJSON(w, http.StatusOK, out)
}

// validSegmentURL accepts only absolute http(s) URLs with a host.
func validSegmentURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("{gateway - writeJSON} encode failed: %v", err)
	}
}

// writeError maps internal failures onto the gateway's status contract.
// Every error produces a status for a client that is still connected; only
// a cancellation caused by this request's own context goes unanswered, since
// that client is already gone.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, eventID, stage string, err error) {
	var statusErr *client.StatusError

	switch {
	case errors.As(err, &statusErr):
		logger.Warn("{gateway - %s} upstream error for event %s: %v", stage, eventID, err)
		http.Error(w, "upstream error", http.StatusBadGateway)
	case errors.Is(err, resolver.ErrStreamNotFound):
		logger.Warn("{gateway - %s} no stream found for event %s", stage, eventID)
		http.Error(w, "stream not found", http.StatusInternalServerError)
	case errors.Is(err, fetcher.ErrBusy):
		logger.Warn("{gateway - %s} rejecting event %s: %v", stage, eventID, err)
		http.Error(w, "gateway busy", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		logger.Debug("{gateway - %s} request for event %s cancelled by client", stage, eventID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("{gateway - %s} upstream fetch for event %s gave up: %v", stage, eventID, err)
		http.Error(w, "upstream timeout", http.StatusBadGateway)
	default:
		logger.Error("{gateway - %s} event %s: %v", stage, eventID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
