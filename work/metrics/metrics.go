package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionResolutions counts session-resolution attempts by outcome.
// The "result" label is one of: hit, resolved, not_found, upstream_error.
var SessionResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_session_resolutions",
	Help: "Session resolution attempts by result",
}, []string{"result"})

// CacheEvents counts cache activity per store. The "cache" label is
// "session" or "content", the "event" label is hit, miss or evict.
var CacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_cache_events",
	Help: "Cache hits, misses and evictions per store",
}, []string{"cache", "event"})

// UpstreamErrors counts failed upstream fetches by the stage that
// observed them (resolve, playlist, segment).
var UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_upstream_errors",
	Help: "Upstream fetch failures by stage",
}, []string{"stage"})

// BytesProxied tracks bytes delivered to clients. The "kind" label
// distinguishes playlist text from binary segments.
var BytesProxied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_bytes_proxied",
	Help: "Total bytes delivered to clients",
}, []string{"kind"})

// InflightFetches is the current number of upstream fetches holding a
// slot on the global fetch semaphore.
var InflightFetches = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "streamgate_inflight_fetches",
	Help: "Upstream fetches currently in flight",
})

// RejectedFetches counts segment requests rejected because the in-flight
// fetch cap was already reached.
var RejectedFetches = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamgate_rejected_fetches",
	Help: "Requests rejected at the in-flight fetch cap",
})
