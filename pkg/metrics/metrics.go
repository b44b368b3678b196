// Package metrics provides the centralized Prometheus registry reference
// for the image loading engine. All metrics are defined in their
// respective packages (loader, cache, breaker, prefetch) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Load Metrics (pkg/loader):
//   - imaging_loads_total{result} (Counter): Loads by result (cache_hit, success, fallback)
//   - imaging_load_duration_seconds{priority} (Histogram): Load duration by priority
//   - imaging_errors_total{kind} (Counter): Load errors by classified kind
//   - imaging_inflight_loads (Gauge): Loads currently holding a concurrency slot
//
// Retry Metrics (pkg/loader):
//   - imaging_retries_total{kind} (Counter): Retry attempts by error kind
//   - imaging_retry_exhausted_total{kind} (Counter): Loads that exhausted max retries
//
// Cache Metrics (pkg/cache):
//   - imaging_cache_hits_total (Counter): Cache hits
//   - imaging_cache_misses_total (Counter): Cache misses
//   - imaging_cache_size_bytes (Gauge): Current cache size in bytes
//   - imaging_cache_evictions_total (Counter): Entries evicted under memory pressure
//   - imaging_cache_compressions_total{result} (Counter): Background compression jobs by result
//   - imaging_cache_sweep_removals_total (Counter): Stale entries removed by the periodic sweep
//
// Circuit Breaker Metrics (pkg/breaker):
//   - imaging_breaker_state{origin} (Gauge): Breaker state (0=closed, 1=open, 2=half_open)
//   - imaging_breaker_transitions_total{origin, to} (Counter): State transitions
//   - imaging_breaker_rejections_total{origin} (Counter): Requests rejected while open
//
// Prefetch Metrics (pkg/prefetch):
//   - imaging_prefetch_total{priority} (Counter): Prefetch loads issued by priority
//   - imaging_prefetch_batches_total (Counter): Study prefetch batches dispatched
//   - imaging_prefetch_window (Gauge): Current adaptive neighbor window size
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(imaging_cache_hits_total[5m])) /
//   (sum(rate(imaging_cache_hits_total[5m])) + sum(rate(imaging_cache_misses_total[5m])))
//
//   # Fallback Rate (loads resolved with a placeholder image)
//   rate(imaging_loads_total{result="fallback"}[5m]) / rate(imaging_loads_total[5m])
//
//   # P95 Interactive Load Latency
//   histogram_quantile(0.95, rate(imaging_load_duration_seconds_bucket{priority="high"}[5m]))
//
//   # Origins Currently Tripped
//   imaging_breaker_state == 1
//
//   # Retry Pressure by Error Kind
//   rate(imaging_retries_total[5m])
