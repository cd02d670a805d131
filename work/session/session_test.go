package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamgate/work/cache"
	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/resolver"
)

func testConfig(upstreamBase string) *config.Config {
	return &config.Config{
		UpstreamBase:    upstreamBase,
		LandingPath:     "/live/{id}",
		UserAgent:       "test-agent",
		OutboundRate:    100,
		UpstreamTimeout: 5 * time.Second,
	}
}

// landingServer serves a landing page carrying a stream url and counts hits.
func landingServer(hits *atomic.Int64, delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		fmt.Fprint(w, `<input id="stream_url" value="https://cdn.example.net/s/playlist.m3u8">`)
	}))
}

func newCoordinator(upstreamBase string, ttl time.Duration) (*Coordinator, *cache.SessionCache) {
	cfg := testConfig(upstreamBase)
	sessions := cache.NewSessionCache(ttl, 10)
	res := resolver.New(cfg, client.New(cfg))
	return NewCoordinator(cfg, sessions, res), sessions
}

func TestEnsureCachesAcrossCalls(t *testing.T) {
	var hits atomic.Int64
	srv := landingServer(&hits, 0)
	defer srv.Close()

	coord, _ := newCoordinator(srv.URL, time.Minute)

	first, err := coord.Ensure(context.Background(), "1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := coord.Ensure(context.Background(), "1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if hits.Load() != 1 {
		t.Fatalf("second ensure should be served from cache, upstream hits = %d", hits.Load())
	}
	if first.StreamURL != second.StreamURL {
		t.Errorf("cached meta differs: %q vs %q", first.StreamURL, second.StreamURL)
	}
}

func TestEnsureCoalescesConcurrentCallers(t *testing.T) {
	var hits atomic.Int64
	srv := landingServer(&hits, 50*time.Millisecond)
	defer srv.Close()

	coord, _ := newCoordinator(srv.URL, time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Ensure(context.Background(), "1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("concurrent ensures should share one resolution, upstream hits = %d", hits.Load())
	}
}

func TestEnsureFailureEvictsAndRetries(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `<input id="stream_url" value="https://cdn.example.net/s/playlist.m3u8">`)
	}))
	defer srv.Close()

	coord, sessions := newCoordinator(srv.URL, time.Minute)

	_, err := coord.Ensure(context.Background(), "1")
	var statusErr *client.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if sessions.Len() != 0 {
		t.Fatal("failed resolution must not leave a cache entry")
	}

	// upstream recovers; the next ensure resolves fresh
	fail.Store(false)
	meta, err := coord.Ensure(context.Background(), "1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if meta.StreamURL == "" {
		t.Fatal("retry returned empty meta")
	}
	if !coord.Cached("1") {
		t.Fatal("successful retry should populate the cache")
	}
}

func TestEnsureNotFoundPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<p>nothing playable</p>`)
	}))
	defer srv.Close()

	coord, sessions := newCoordinator(srv.URL, time.Minute)

	_, err := coord.Ensure(context.Background(), "1")
	if !errors.Is(err, resolver.ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
	if sessions.Len() != 0 {
		t.Fatal("not-found must not leave a cache entry")
	}
}

func TestEnsureReResolvesAfterTTL(t *testing.T) {
	var hits atomic.Int64
	srv := landingServer(&hits, 0)
	defer srv.Close()

	coord, _ := newCoordinator(srv.URL, 40*time.Millisecond)

	if _, err := coord.Ensure(context.Background(), "1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := coord.Ensure(context.Background(), "1"); err != nil {
		t.Fatalf("ensure after expiry: %v", err)
	}

	if hits.Load() != 2 {
		t.Fatalf("expired session should re-resolve, upstream hits = %d", hits.Load())
	}
}

func TestEnsureSurvivesWinnerDisconnect(t *testing.T) {
	var hits atomic.Int64
	srv := landingServer(&hits, 80*time.Millisecond)
	defer srv.Close()

	coord, _ := newCoordinator(srv.URL, time.Minute)

	winnerCtx, cancelWinner := context.WithCancel(context.Background())
	winnerDone := make(chan error, 1)
	go func() {
		_, err := coord.Ensure(winnerCtx, "1")
		winnerDone <- err
	}()

	// give the winner time to start its resolution, then attach a second
	// caller and drop the winner's connection mid-flight
	time.Sleep(20 * time.Millisecond)
	waiterDone := make(chan error, 1)
	go func() {
		_, err := coord.Ensure(context.Background(), "1")
		waiterDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelWinner()

	if err := <-waiterDone; err != nil {
		t.Fatalf("live waiter must not inherit the winner's cancellation: %v", err)
	}
	<-winnerDone

	if hits.Load() != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits.Load())
	}
	if !coord.Cached("1") {
		t.Fatal("completed resolution should be cached despite the disconnect")
	}
}

func TestEnsureWithCancelledContext(t *testing.T) {
	var hits atomic.Int64
	srv := landingServer(&hits, 0)
	defer srv.Close()

	coord, _ := newCoordinator(srv.URL, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// resolution runs detached from the caller's context
	meta, err := coord.Ensure(ctx, "1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if meta.StreamURL == "" {
		t.Fatal("empty meta")
	}
}

func TestEvict(t *testing.T) {
	var hits atomic.Int64
	srv := landingServer(&hits, 0)
	defer srv.Close()

	coord, _ := newCoordinator(srv.URL, time.Minute)

	if _, err := coord.Ensure(context.Background(), "1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	coord.Evict("1")
	if coord.Cached("1") {
		t.Fatal("evicted session should not report cached")
	}
}
