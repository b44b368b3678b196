// Package loader is the entry point of the image loading engine. It
// deduplicates concurrent requests per identifier, serves cache hits,
// runs misses through classification-aware retries gated by a per-origin
// circuit breaker, and synthesizes fallback payloads on terminal failure
// so rendering code always receives something drawable.
package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medview/dicom-loader/pkg/breaker"
	"github.com/medview/dicom-loader/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for load operations.
var (
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imaging_loads_total",
		Help: "Total image loads by result",
	}, []string{"result"}) // "cache_hit", "success", "fallback"

	loadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imaging_load_duration_seconds",
		Help:    "Image load duration in seconds by priority",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"priority"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imaging_errors_total",
		Help: "Total load errors by kind",
	}, []string{"kind"})

	inflightLoads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imaging_inflight_loads",
		Help: "Number of loads currently holding a concurrency slot",
	})
)

// Priority orders competing loads. High is for slices the user is looking
// at; low and medium are used by prefetching.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Options control a single Load call.
type Options struct {
	// Priority selects the retry profile and scheduling weight.
	Priority Priority

	// Progressive marks loads that belong to a whole-study warm-up.
	Progressive bool
}

// Config holds the loader configuration.
type Config struct {
	// Fetcher resolves identifiers to image bytes (required).
	Fetcher Fetcher

	// Cache stores decoded payloads (required).
	Cache *cache.Store

	// Breaker isolates failing origins. A default one is created when nil.
	Breaker *breaker.Breaker

	// MaxConcurrentLoads bounds parallel fetches across all identifiers.
	MaxConcurrentLoads int64

	// NormalRetry applies to low/medium/normal priority loads.
	NormalRetry RetryConfig

	// HighRetry applies to high priority loads.
	HighRetry RetryConfig

	// NormalAttemptTimeout is the per-attempt timeout for background
	// loads. Longer than the high-priority timeout: nothing visible is
	// blocked, so waiting beats burning an attempt.
	NormalAttemptTimeout time.Duration

	// HighAttemptTimeout is the per-attempt timeout for interactive
	// loads, which should fail fast and retry.
	HighAttemptTimeout time.Duration
}

// DefaultConfig returns a safe default loader configuration.
func DefaultConfig(fetcher Fetcher, store *cache.Store) Config {
	return Config{
		Fetcher:              fetcher,
		Cache:                store,
		MaxConcurrentLoads:   6,
		NormalRetry:          DefaultRetryConfig(),
		HighRetry:            HighPriorityRetryConfig(),
		NormalAttemptTimeout: 30 * time.Second,
		HighAttemptTimeout:   10 * time.Second,
	}
}

// Loader orchestrates image loads.
type Loader struct {
	fetcher Fetcher
	cache   *cache.Store
	breaker *breaker.Breaker
	config  Config
	logger  zerolog.Logger

	sem    *semaphore.Weighted
	flight singleflight.Group
	states *stateTracker

	cbMu       sync.RWMutex
	onError    []func(id string, err *ClassifiedError)
	onRecovery []func(id string)
}

// New creates a loader. Configuration problems that would leave the
// engine unable to bound its own concurrency abort construction.
func New(cfg Config, logger zerolog.Logger) (*Loader, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.MaxConcurrentLoads < 0 {
		return nil, fmt.Errorf("max_concurrent_loads must be positive (got %d)", cfg.MaxConcurrentLoads)
	}
	if cfg.MaxConcurrentLoads == 0 {
		cfg.MaxConcurrentLoads = 6
	}
	if cfg.NormalRetry.MaxAttempts == 0 {
		cfg.NormalRetry = DefaultRetryConfig()
	}
	if cfg.HighRetry.MaxAttempts == 0 {
		cfg.HighRetry = HighPriorityRetryConfig()
	}
	if cfg.NormalAttemptTimeout <= 0 {
		cfg.NormalAttemptTimeout = 30 * time.Second
	}
	if cfg.HighAttemptTimeout <= 0 {
		cfg.HighAttemptTimeout = 10 * time.Second
	}

	lg := logger.With().Str("component", "loader").Logger()

	b := cfg.Breaker
	if b == nil {
		b = breaker.New(breaker.DefaultConfig(), logger)
	}

	return &Loader{
		fetcher: cfg.Fetcher,
		cache:   cfg.Cache,
		breaker: b,
		config:  cfg,
		logger:  lg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentLoads),
		states:  newStateTracker(),
	}, nil
}

// Load returns the payload for an identifier. Cache hits return
// immediately; concurrent calls for the same identifier share one
// underlying fetch. Terminal failures return a synthetic fallback
// payload, never an error; the only error Load reports is the caller's
// own context ending. The shared fetch keeps running after a caller
// walks away so its result can still warm the cache.
func (l *Loader) Load(ctx context.Context, id string, opts Options) (*Payload, error) {
	start := time.Now()
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	defer func() {
		loadDuration.WithLabelValues(string(priority)).Observe(time.Since(start).Seconds())
	}()

	if data, meta, ok := l.cache.Get(id); ok {
		loadsTotal.WithLabelValues("cache_hit").Inc()
		return payloadFromCache(data, meta), nil
	}

	// The first caller's options drive the shared operation.
	ch := l.flight.DoChan(id, func() (any, error) {
		return l.doLoad(context.WithoutCancel(ctx), id, priority, opts)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Payload), nil
	}
}

// doLoad is the collapsed load operation for one identifier.
func (l *Loader) doLoad(ctx context.Context, id string, priority Priority, opts Options) (*Payload, error) {
	// Another caller may have filled the cache while this one queued.
	if data, meta, ok := l.cache.Get(id); ok {
		loadsTotal.WithLabelValues("cache_hit").Inc()
		return payloadFromCache(data, meta), nil
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire load slot: %w", err)
	}
	defer l.sem.Release(1)
	inflightLoads.Inc()
	defer inflightLoads.Dec()

	prevFailed := l.states.status(id) == StatusFailed
	retryCfg, attemptTimeout := l.retryFor(priority)
	l.states.begin(id, retryCfg)

	img, cerr := l.executeWithRetry(ctx, id, retryCfg, attemptTimeout)
	if cerr == nil {
		l.cache.Put(id, img.Data, img.Metadata)
		recovered := prevFailed
		if st := l.states.get(id); st != nil && len(st.Attempts) > 1 {
			recovered = true
		}
		l.states.setStatus(id, StatusSuccess)
		if recovered {
			l.fireRecovery(id)
		}
		loadsTotal.WithLabelValues("success").Inc()
		return &Payload{Data: img.Data, Metadata: img.Metadata}, nil
	}

	l.states.setStatus(id, StatusFailed)
	l.fireError(id, cerr)
	loadsTotal.WithLabelValues("fallback").Inc()
	l.logger.Warn().
		Str("id", id).
		Str("kind", string(cerr.Kind)).
		Msg("Load failed terminally, returning fallback payload")
	return fallbackPayload(cerr), nil
}

// retryFor maps a priority to its retry profile and per-attempt timeout.
func (l *Loader) retryFor(priority Priority) (RetryConfig, time.Duration) {
	if priority == PriorityHigh {
		return l.config.HighRetry, l.config.HighAttemptTimeout
	}
	return l.config.NormalRetry, l.config.NormalAttemptTimeout
}

// Retry discards an identifier's state and cached payload and loads it
// again at high priority.
func (l *Loader) Retry(ctx context.Context, id string) (*Payload, error) {
	l.states.clear(id)
	l.cache.Invalidate(func(key string) bool { return key == id })
	return l.Load(ctx, id, Options{Priority: PriorityHigh})
}

// State returns a snapshot of an identifier's loading state, or nil when
// none exists.
func (l *Loader) State(id string) *LoadingState {
	return l.states.get(id)
}

// ClearState discards an identifier's loading state and attempt history.
func (l *Loader) ClearState(id string) {
	l.states.clear(id)
}

// Cached reports whether an identifier is currently cached.
func (l *Loader) Cached(id string) bool {
	return l.cache.Has(id)
}

// CacheStats returns the cache statistics snapshot.
func (l *Loader) CacheStats() cache.Stats {
	return l.cache.Stats()
}

// OnError registers a callback fired once per terminal load failure.
func (l *Loader) OnError(fn func(id string, err *ClassifiedError)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onError = append(l.onError, fn)
}

// OnRecovery registers a callback fired when a previously failing or
// retried identifier eventually loads.
func (l *Loader) OnRecovery(fn func(id string)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onRecovery = append(l.onRecovery, fn)
}

func (l *Loader) fireError(id string, cerr *ClassifiedError) {
	l.cbMu.RLock()
	callbacks := make([]func(string, *ClassifiedError), len(l.onError))
	copy(callbacks, l.onError)
	l.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(id, cerr)
	}
}

func (l *Loader) fireRecovery(id string) {
	l.cbMu.RLock()
	callbacks := make([]func(string), len(l.onRecovery))
	copy(callbacks, l.onRecovery)
	l.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(id)
	}
}

// payloadFromCache rebuilds a Payload from the stored bytes and metadata.
func payloadFromCache(data []byte, meta any) *Payload {
	p := &Payload{Data: data}
	if m, ok := meta.(ImageMetadata); ok {
		p.Metadata = m
	}
	return p
}

// fallbackPayload synthesizes a placeholder the rendering layer can show
// in place of the image, tagged with the failure kind.
func fallbackPayload(cerr *ClassifiedError) *Payload {
	return &Payload{
		Data:         []byte(fallbackLabel(cerr.Kind)),
		Fallback:     true,
		FallbackKind: cerr.Kind,
	}
}

// fallbackLabel is the user-facing tag encoded into a fallback payload.
func fallbackLabel(kind ErrorKind) string {
	switch kind {
	case KindNotFound:
		return "Image Not Found"
	case KindAuthentication:
		return "Authentication Required"
	case KindTimeout:
		return "Request Timed Out"
	case KindCircuitBreaker:
		return "Server Temporarily Unavailable"
	case KindMemory:
		return "Out of Memory"
	default:
		return "Image Unavailable"
	}
}
