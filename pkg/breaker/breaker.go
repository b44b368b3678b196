// Package breaker provides per-origin circuit breaking for image fetch
// operations. Each origin (image server host) gets its own state machine so
// a failing PACS node does not block loads from healthy ones.
package breaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for circuit breaker state.
var (
	breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imaging_breaker_state",
		Help: "Circuit breaker state by origin (0=closed, 1=open, 2=half_open)",
	}, []string{"origin"})

	breakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imaging_breaker_transitions_total",
		Help: "Total circuit breaker state transitions by origin and target state",
	}, []string{"origin", "to"})

	breakerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imaging_breaker_rejections_total",
		Help: "Total requests rejected by an open circuit breaker",
	}, []string{"origin"})
)

// State represents the circuit breaker state for a single origin.
type State int

const (
	// StateClosed is normal operation; requests pass through.
	StateClosed State = iota

	// StateOpen rejects requests until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen allows probe requests to test recovery.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// DefaultOrigin is the bucket shared by fetch targets whose origin cannot
// be determined.
const DefaultOrigin = "default"

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker waits before allowing
	// a probe request.
	RecoveryTimeout time.Duration

	// RequiredSuccesses is the number of half-open successes needed to
	// close the breaker again.
	RequiredSuccesses int
}

// DefaultConfig returns the default circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		RequiredSuccesses: 3,
	}
}

// origin holds the breaker state for a single origin. Guarded by its own
// mutex so independent origins never contend.
type origin struct {
	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time
	probing       bool
}

// Breaker tracks failure state per origin and gates fetch attempts.
type Breaker struct {
	config Config
	logger zerolog.Logger

	mu      sync.RWMutex
	origins map[string]*origin
}

// New creates a circuit breaker with the given configuration.
func New(cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.RequiredSuccesses <= 0 {
		cfg.RequiredSuccesses = 3
	}
	return &Breaker{
		config:  cfg,
		logger:  logger.With().Str("component", "breaker").Logger(),
		origins: make(map[string]*origin),
	}
}

// forOrigin returns the state bucket for an origin, creating it lazily.
func (b *Breaker) forOrigin(name string) *origin {
	if name == "" {
		name = DefaultOrigin
	}

	b.mu.RLock()
	o, ok := b.origins[name]
	b.mu.RUnlock()
	if ok {
		return o
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok = b.origins[name]; ok {
		return o
	}
	o = &origin{state: StateClosed}
	b.origins[name] = o
	return o
}

// Allow reports whether a request against the origin may proceed. While the
// breaker is open it returns false until RecoveryTimeout has elapsed since
// the last failure; then exactly one caller is let through as a probe and
// the breaker moves to half-open.
func (b *Breaker) Allow(originID string) bool {
	if originID == "" {
		originID = DefaultOrigin
	}
	o := b.forOrigin(originID)

	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(o.lastFailureAt) < b.config.RecoveryTimeout {
			breakerRejectionsTotal.WithLabelValues(originID).Inc()
			return false
		}
		// Recovery window elapsed: become half-open and admit one probe.
		b.transition(o, originID, StateHalfOpen)
		o.successCount = 0
		o.probing = true
		return true

	case StateHalfOpen:
		if o.probing {
			// A probe is already in flight; reject until it resolves.
			breakerRejectionsTotal.WithLabelValues(originID).Inc()
			return false
		}
		o.probing = true
		return true

	default:
		return true
	}
}

// RecordSuccess records a successful fetch against the origin.
func (b *Breaker) RecordSuccess(originID string) {
	if originID == "" {
		originID = DefaultOrigin
	}
	o := b.forOrigin(originID)

	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateHalfOpen:
		o.probing = false
		o.successCount++
		if o.successCount >= b.config.RequiredSuccesses {
			b.transition(o, originID, StateClosed)
			o.failureCount = 0
			o.successCount = 0
		}

	case StateClosed:
		// Slow trust recovery: one success does not erase a failure streak.
		if o.failureCount > 0 {
			o.failureCount--
		}
	}
}

// RecordFailure records a failed fetch against the origin.
func (b *Breaker) RecordFailure(originID string) {
	if originID == "" {
		originID = DefaultOrigin
	}
	o := b.forOrigin(originID)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.lastFailureAt = time.Now()

	switch o.state {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		o.probing = false
		o.successCount = 0
		b.transition(o, originID, StateOpen)
		b.logger.Warn().
			Str("origin", originID).
			Msg("Probe request failed, circuit reopened")

	case StateClosed:
		o.failureCount++
		if o.failureCount >= b.config.FailureThreshold {
			b.transition(o, originID, StateOpen)
			b.logger.Warn().
				Str("origin", originID).
				Int("failures", o.failureCount).
				Msg("Failure threshold reached, circuit opened")
		}
	}
}

// State returns the current state for an origin. Origins never seen report
// closed.
func (b *Breaker) State(originID string) State {
	if originID == "" {
		originID = DefaultOrigin
	}

	b.mu.RLock()
	o, ok := b.origins[originID]
	b.mu.RUnlock()
	if !ok {
		return StateClosed
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Reset forces an origin back to closed state, discarding failure history.
func (b *Breaker) Reset(originID string) {
	if originID == "" {
		originID = DefaultOrigin
	}
	o := b.forOrigin(originID)

	o.mu.Lock()
	defer o.mu.Unlock()
	b.transition(o, originID, StateClosed)
	o.failureCount = 0
	o.successCount = 0
	o.probing = false
}

// transition moves an origin to a new state and updates metrics.
// Caller must hold o.mu.
func (b *Breaker) transition(o *origin, originID string, to State) {
	if o.state == to {
		return
	}
	o.state = to
	breakerStateGauge.WithLabelValues(originID).Set(float64(to))
	breakerTransitionsTotal.WithLabelValues(originID, to.String()).Inc()
	b.logger.Debug().
		Str("origin", originID).
		Str("state", to.String()).
		Msg("Circuit breaker state changed")
}
