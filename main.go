package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamgate/work/buffer"
	"streamgate/work/cache"
	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/fetcher"
	"streamgate/work/gateway"
	"streamgate/work/handlers"
	"streamgate/work/keepalive"
	"streamgate/work/logger"
	"streamgate/work/middleware"
	"streamgate/work/resolver"
	"streamgate/work/session"
)

var (
	Version = "v0.1.0" // default version
)

// sweepInterval controls how often expired cache entries are reaped.
const sweepInterval = 30 * time.Second

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// set up logging
	logger.SetLogLevel(cfg.LogLevel)

	// initialize the copy buffer pool
	bufferPool := buffer.NewPool(64 * 1024)

	// initialize the upstream client
	upstream := client.New(cfg)

	// initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// caches
	sessionCache := cache.NewSessionCache(cfg.SessionTTL, cfg.SessionCacheMax)
	contentCache := cache.NewContentCache(cfg.ContentCacheMax)

	// resolution and fetch layers
	res := resolver.New(cfg, upstream)
	sessions := session.NewCoordinator(cfg, sessionCache, res)
	contentFetcher := fetcher.New(cfg, upstream, contentCache)

	// the gateway itself
	gw := gateway.New(cfg, sessions, contentFetcher, sessionCache, contentCache, workerPool, bufferPool)
	h := handlers.New(gw)

	// periodic cache sweeps
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			workerPool.Submit(sessionCache.Sweep)
			workerPool.Submit(contentCache.Sweep)
		}
	}()

	// self-ping loop
	ka := keepalive.New(cfg, workerPool)
	ka.Start()
	defer ka.Stop()

	// setup HTTP routes
	router := mux.NewRouter()

	// session preparation
	router.HandleFunc("/prepare/{eventId}", middleware.GzipMiddleware(h.HandlePrepare)).Methods("GET")

	// stream metadata
	router.HandleFunc("/api/live/{eventId}", middleware.GzipMiddleware(h.HandleMetadata)).Methods("GET")

	// rewritten playlist
	router.HandleFunc("/live/{eventId}/playlist.m3u8", middleware.GzipMiddleware(h.HandlePlaylist)).Methods("GET")

	// segment proxy, never compressed
	router.HandleFunc("/live/{eventId}/seg", h.HandleSegment).Methods("GET")

	// health + debug
	router.HandleFunc("/health", middleware.GzipMiddleware(h.HandleHealth)).Methods("GET")
	router.HandleFunc("/debug/{eventId}", middleware.GzipMiddleware(h.HandleDebug)).Methods("GET")

	// metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.Port)

	// show info
	logger.Info("Starting StreamGate %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Addr: %s", addr)
	logger.Info("  - Upstream Base: %s", cfg.UpstreamBase)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Session TTL: %s (max %d)", cfg.SessionTTL, cfg.SessionCacheMax)
	logger.Info("  - Playlist TTL: %s", cfg.PlaylistTTL)
	logger.Info("  - Segment TTL: %s (max %d entries)", cfg.SegmentTTL, cfg.ContentCacheMax)
	logger.Info("  - Max Inflight Fetches: %d", cfg.MaxInflightFetches)
	logger.Info("  - Outbound Rate: %d req/s", cfg.OutboundRate)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// wrap the router and serve
	handler := middleware.RecoverMiddleware(middleware.CORSMiddleware(router))
	log.Fatal(http.ListenAndServe(addr, handler))
}
