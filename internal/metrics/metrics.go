// Package metrics exposes the proxy's global counters and gauges as
// Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TotalHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheproxy_total_hits",
		Help: "Total number of resource responses served, from the local cache or from an in-progress download.",
	})

	FetchHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheproxy_fetch_hits",
		Help: "Total number of downloads that completed successfully.",
	})

	FetchDedupJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheproxy_fetch_dedup_joins_total",
		Help: "Total number of fetch() calls that joined an already in-flight download instead of starting one.",
	})

	FetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheproxy_fetch_failures_total",
		Help: "Total number of downloads that failed verification or transport.",
	})

	PayloadBytesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheproxy_payload_bytes_served_total",
		Help: "Total bytes written to clients across all resource responses.",
	})

	PayloadBytesUpstream = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheproxy_payload_bytes_upstream_total",
		Help: "Total compressed bytes pulled from storage servers.",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheproxy_cache_evictions_total",
		Help: "Total number of cache entries removed, either evicted to make room for a reservation or dropped by Forget.",
	})

	CacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cacheproxy_cache_size_bytes",
		Help: "Current total size of resident cache entries.",
	})

	RegistryTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cacheproxy_registry_tick_duration_seconds",
		Help:    "Duration of each registry tracker tick.",
		Buckets: prometheus.DefBuckets,
	})

	RegistryHashChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheproxy_registry_hash_changes_total",
		Help: "Total number of times a registry's latest_hash changed.",
	})
)
