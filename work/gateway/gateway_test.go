package gateway_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"streamgate/work/buffer"
	"streamgate/work/cache"
	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/fetcher"
	"streamgate/work/gateway"
	"streamgate/work/handlers"
	"streamgate/work/resolver"
	"streamgate/work/session"

	"github.com/gorilla/mux"
)

// upstream is a fake provider: a landing page pointing at a playlist, the
// playlist itself and one segment, with hit counters per path.
type upstream struct {
	srv          *httptest.Server
	landingHits  atomic.Int64
	playlistHits atomic.Int64
	segmentHits  atomic.Int64
	landingBody  func(base string) string
	playlistCode int
}

func newUpstream() *upstream {
	u := &upstream{
		landingBody: func(base string) string {
			return `<input id="stream_url" value="` + base + `/hls/playlist.m3u8">`
		},
		playlistCode: http.StatusOK,
	}

	m := http.NewServeMux()
	m.HandleFunc("/watch/", func(w http.ResponseWriter, r *http.Request) {
		u.landingHits.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "cookie-secret", Path: "/"})
		fmt.Fprint(w, u.landingBody(u.srv.URL))
	})
	m.HandleFunc("/hls/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		u.playlistHits.Add(1)
		if u.playlistCode != http.StatusOK {
			w.WriteHeader(u.playlistCode)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, "#EXTM3U\n#EXTINF:6.0,\nseg0.ts\n")
	})
	m.HandleFunc("/hls/nested.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, "#EXTM3U\n")
		for i := 0; i < 50; i++ {
			fmt.Fprintf(w, "#EXTINF:6.0,\nseg%d.ts\n", i)
		}
	})
	m.HandleFunc("/hls/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		u.segmentHits.Add(1)
		w.Header().Set("Content-Type", "video/mp2t")
		fmt.Fprint(w, "segment-bytes")
	})

	u.srv = httptest.NewServer(m)
	return u
}

func newRouter(up *upstream) *mux.Router {
	return newRouterPayloadCap(up, 1<<20)
}

func newRouterPayloadCap(up *upstream, payloadCap int64) *mux.Router {
	cfg := &config.Config{
		UpstreamBase:        up.srv.URL,
		LandingPath:         "/watch/{id}",
		UserAgent:           "test-agent",
		SessionTTL:          time.Minute,
		SessionCacheMax:     10,
		PlaylistTTL:         time.Minute,
		SegmentTTL:          time.Minute,
		ContentCacheMax:     50,
		MaxCacheablePayload: payloadCap,
		MaxInflightFetches:  8,
		OutboundRate:        100,
		UpstreamTimeout:     5 * time.Second,
	}

	upstreamClient := client.New(cfg)
	sessionCache := cache.NewSessionCache(cfg.SessionTTL, cfg.SessionCacheMax)
	contentCache := cache.NewContentCache(cfg.ContentCacheMax)
	coord := session.NewCoordinator(cfg, sessionCache, resolver.New(cfg, upstreamClient))
	ftch := fetcher.New(cfg, upstreamClient, contentCache)

	g := gateway.New(cfg, coord, ftch, sessionCache, contentCache, nil, buffer.NewPool(16*1024))
	h := handlers.New(g)

	r := mux.NewRouter()
	r.HandleFunc("/prepare/{eventId}", h.HandlePrepare).Methods("GET")
	r.HandleFunc("/api/live/{eventId}", h.HandleMetadata).Methods("GET")
	r.HandleFunc("/live/{eventId}/playlist.m3u8", h.HandlePlaylist).Methods("GET")
	r.HandleFunc("/live/{eventId}/seg", h.HandleSegment).Methods("GET")
	r.HandleFunc("/health", h.HandleHealth).Methods("GET")
	r.HandleFunc("/debug/{eventId}", h.HandleDebug).Methods("GET")
	return r
}

func doReq(t *testing.T, router *mux.Router, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMalformedEventIDRejectedBeforeUpstream(t *testing.T) {
	up := newUpstream()
	defer up.srv.Close()
	router := newRouter(up)

	for _, target := range []string{
		"/prepare/abc",
		"/api/live/12x",
		"/live/99%2E%2E/playlist.m3u8",
		"/debug/evil",
	} {
		rec := doReq(t, router, "GET", target)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: code = %d, want 400", target, rec.Code)
		}
	}
	if up.landingHits.Load() != 0 {
		t.Fatalf("invalid ids must never reach upstream, hits = %d", up.landingHits.Load())
	}
}

func TestSegmentURLValidation(t *testing.T) {
	up := newUpstream()
	defer up.srv.Close()
	router := newRouter(up)

	for _, raw := range []string{
		"",
		"file:///etc/passwd",
		"ftp://x.example.com/a.ts",
		"/relative/path.ts",
		"notaurl",
	} {
		target := "/live/1/seg"
		if raw != "" {
			target += "?url=" + url.QueryEscape(raw)
		}
		rec := doReq(t, router, "GET", target)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("url %q: code = %d, want 400", raw, rec.Code)
		}
	}
}

func TestPrepareAndPlaylistFlow(t *testing.T) {
	up := newUpstream()
	defer up.srv.Close()
	router := newRouter(up)

	rec := doReq(t, router, "GET", "/prepare/123")
	if rec.Code != http.StatusOK {
		t.Fatalf("prepare: code = %d, body %s", rec.Code, rec.Body)
	}
	var prep map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &prep); err != nil {
		t.Fatalf("prepare body: %v", err)
	}
	if prep["eventId"] != "123" || prep["cached"] != false {
		t.Errorf("prepare payload = %v", prep)
	}

	// second prepare reports the warm session
	rec = doReq(t, router, "GET", "/prepare/123")
	json.Unmarshal(rec.Body.Bytes(), &prep)
	if prep["cached"] != true {
		t.Errorf("second prepare should report cached, payload = %v", prep)
	}
	if up.landingHits.Load() != 1 {
		t.Fatalf("landing hits = %d, want 1", up.landingHits.Load())
	}

	rec = doReq(t, router, "GET", "/live/123/playlist.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("playlist: code = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("playlist content type = %q", ct)
	}
	body := rec.Body.String()
	wantSeg := "/live/123/seg?url=" + url.QueryEscape(up.srv.URL+"/hls/seg0.ts")
	if !strings.Contains(body, wantSeg) {
		t.Fatalf("playlist not rewritten:\n%s", body)
	}
	if !strings.Contains(body, "#EXTM3U") {
		t.Errorf("playlist lost its header:\n%s", body)
	}
}

func TestSegmentProxying(t *testing.T) {
	up := newUpstream()
	defer up.srv.Close()
	router := newRouter(up)

	target := "/live/123/seg?url=" + url.QueryEscape(up.srv.URL+"/hls/seg0.ts")
	rec := doReq(t, router, "GET", target)
	if rec.Code != http.StatusOK {
		t.Fatalf("segment: code = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "segment-bytes" {
		t.Errorf("segment body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("segment content type = %q", ct)
	}

	// cached on the second request
	doReq(t, router, "GET", target)
	if up.segmentHits.Load() != 1 {
		t.Fatalf("segment hits = %d, want 1", up.segmentHits.Load())
	}
}

func TestOversizedNestedPlaylistRejected(t *testing.T) {
	up := newUpstream()
	defer up.srv.Close()

	// cap far below the nested playlist's size; truncating a playlist would
	// hand the player a cut-off segment list, so the gateway must refuse
	router := newRouterPayloadCap(up, 64)

	target := "/live/123/seg?url=" + url.QueryEscape(up.srv.URL+"/hls/nested.m3u8")
	rec := doReq(t, router, "GET", target)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "#EXTM3U") {
		t.Error("truncated playlist text must not reach the client")
	}
}

func TestPlaylistUpstreamFailureMapsTo502(t *testing.T) {
	up := newUpstream()
	defer up.srv.Close()
	up.playlistCode = http.StatusServiceUnavailable
	router := newRouter(up)

	rec := doReq(t, router, "GET", "/live/123/playlist.m3u8")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", rec.Code)
	}
}

func TestPrepareStreamNotFound(t *testing.T) {
	up := newUpstream()
	defer up.srv.Close()
	up.landingBody = func(string) string { return "<p>gone</p>" }
	router := newRouter(up)

	rec := doReq(t, router, "GET", "/prepare/55")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d, want 500", rec.Code)
	}

	// failed resolution leaves no session behind
	rec = doReq(t, router, "GET", "/debug/55")
	var dbg map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &dbg)
	if dbg["cached"] != false {
		t.Errorf("debug payload = %v", dbg)
	}
}

func TestMetadataNeverLeaksCookies(t *testing.T) {
	up := newUpstream()
	defer up.srv.Close()
	router := newRouter(up)

	for _, target := range []string{"/api/live/123", "/debug/123"} {
		rec := doReq(t, router, "GET", target)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: code = %d", target, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "cookie-secret") {
			t.Errorf("%s leaked a session cookie value: %s", target, rec.Body)
		}
	}
}

func TestHealth(t *testing.T) {
	up := newUpstream()
	defer up.srv.Close()
	router := newRouter(up)

	rec := doReq(t, router, "GET", "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
}
