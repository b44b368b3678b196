package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks image cache hits.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imaging_cache_hits_total",
			Help: "Total number of image cache hits",
		},
	)

	// CacheMisses tracks image cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imaging_cache_misses_total",
			Help: "Total number of image cache misses",
		},
	)

	// CacheSize tracks the current cache size in bytes.
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imaging_cache_size_bytes",
			Help: "Current size of the image cache in bytes",
		},
	)

	// CacheEvictions tracks entries removed under memory pressure,
	// including payloads that were declined outright.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imaging_cache_evictions_total",
			Help: "Total number of cache entries evicted under memory pressure",
		},
	)

	// CacheCompressions tracks background compression outcomes.
	CacheCompressions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imaging_cache_compressions_total",
			Help: "Total number of background compression jobs by result",
		},
		[]string{"result"}, // "compressed", "skipped", "failed"
	)

	// CacheSweepRemovals tracks entries reclaimed by the periodic
	// stale-entry sweep.
	CacheSweepRemovals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imaging_cache_sweep_removals_total",
			Help: "Total number of stale cache entries removed by the periodic sweep",
		},
	)
)
