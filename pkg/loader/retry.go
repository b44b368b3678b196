package loader

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imaging_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imaging_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imaging_retry_exhausted_total",
		Help: "Total number of loads that exhausted retry attempts by error kind",
	}, []string{"kind"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier.
	Multiplier float64

	// Jitter scales each delay by a uniform random factor in [0.5, 1.0]
	// to prevent retry storms.
	Jitter bool
}

// DefaultRetryConfig returns the retry configuration for normal-priority
// loads: fewer attempts, but each attempt is given a generous timeout
// since nothing visible is waiting on it.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// HighPriorityRetryConfig returns the retry configuration for loads the
// user is actively waiting on: fail fast per attempt, retry more often.
func HighPriorityRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// backoffDelay computes the delay before attempt+1, with exponential
// growth capped at MaxDelay and optional jitter in [0.5, 1.0].
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}

// executeWithRetry runs the fetch with classification-aware retries.
// Attempts for one identifier are strictly sequential. The circuit
// breaker is consulted before every attempt and told about every outcome.
// Returns the image, or the terminal classified error.
func (l *Loader) executeWithRetry(ctx context.Context, id string, cfg RetryConfig, attemptTimeout time.Duration) (*Image, *ClassifiedError) {
	origin := l.fetcher.Origin(id)

	var lastErr *ClassifiedError
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if !l.breaker.Allow(origin) {
			cerr := newBreakerError(origin)
			l.states.recordAttempt(id, AttemptRecord{
				Attempt:   attempt,
				StartedAt: time.Now(),
				Err:       cerr,
			})
			errorsTotal.WithLabelValues(string(KindCircuitBreaker)).Inc()
			l.logger.Warn().
				Str("id", id).
				Str("origin", origin).
				Msg("Load rejected by open circuit breaker")
			return nil, cerr
		}

		if attempt > 1 {
			l.states.setStatus(id, StatusRetrying)
		}

		started := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		img, err := l.fetcher.Fetch(attemptCtx, id)
		cancel()
		elapsed := time.Since(started)

		if err == nil {
			l.breaker.RecordSuccess(origin)
			l.states.recordAttempt(id, AttemptRecord{
				Attempt:   attempt,
				StartedAt: started,
				Duration:  elapsed,
				Succeeded: true,
			})
			if attempt > 1 {
				l.logger.Info().
					Str("id", id).
					Int("attempt", attempt).
					Msg("Load succeeded after retry")
			}
			return img, nil
		}

		cerr := Classify(err, origin)
		l.breaker.RecordFailure(origin)
		l.states.recordAttempt(id, AttemptRecord{
			Attempt:   attempt,
			StartedAt: started,
			Duration:  elapsed,
			Err:       cerr,
		})
		errorsTotal.WithLabelValues(string(cerr.Kind)).Inc()
		lastErr = cerr

		if !cerr.Retryable {
			l.logger.Warn().
				Str("id", id).
				Str("kind", string(cerr.Kind)).
				Msg("Non-retryable error, giving up")
			return nil, cerr
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(string(cerr.Kind)).Inc()
		delay := backoffDelay(cfg, attempt)
		retryBackoffSeconds.WithLabelValues(string(cerr.Kind)).Observe(delay.Seconds())

		l.logger.Debug().
			Str("id", id).
			Str("kind", string(cerr.Kind)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying load after backoff")

		select {
		case <-ctx.Done():
			return nil, &ClassifiedError{
				Kind:      KindUnknown,
				Retryable: false,
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("%v during retry backoff", ErrContextCancelled),
				Origin:    origin,
				Err:       ctx.Err(),
			}
		case <-time.After(delay):
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastErr.Kind)).Inc()
	l.logger.Warn().
		Str("id", id).
		Str("kind", string(lastErr.Kind)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")
	// Mark the terminal error so errors.Is(err, ErrRetryExhausted) holds.
	if lastErr.Err != nil {
		lastErr.Err = fmt.Errorf("%w: %v", ErrRetryExhausted, lastErr.Err)
	} else {
		lastErr.Err = ErrRetryExhausted
	}
	return nil, lastErr
}
