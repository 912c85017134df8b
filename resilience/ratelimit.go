// Package resilience implements the RateLimiter and CircuitBreaker (C12)
// shared by the embedding service and LLM façade. The limiter wraps
// golang.org/x/time/rate as a token bucket sized in request units, one
// instance per process; it is not adaptive, since §4.7's rate limiting
// requirement is a fixed per-provider cap, not an AIMD feedback loop.
package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kasmira-labs/chatflow/metrics"
)

// RateLimiter enforces a fixed requests-per-second budget with burst
// capacity, keyed by an arbitrary string (e.g. a provider name or tenant
// id) so one process can run independent budgets per external dependency.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
	new      func(r rate.Limit, b int) *rate.Limiter

	metricsMu sync.RWMutex
	metrics   *metrics.Metrics
}

// NewRateLimiter returns a RateLimiter issuing rps requests/second per key,
// with burst capacity allowing short spikes above that steady rate.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
		new:      rate.NewLimiter,
	}
}

// SetMetrics attaches a metrics.Metrics collector this limiter reports
// Wait's blocked duration to, per key. Optional; a limiter with no
// attached collector records nothing.
func (r *RateLimiter) SetMetrics(m *metrics.Metrics) {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	r.metrics = m
}

// Wait blocks until key's budget admits one request, or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	start := time.Now()
	err := r.limiterFor(key).Wait(ctx)

	r.metricsMu.RLock()
	m := r.metrics
	r.metricsMu.RUnlock()
	m.RecordRateLimiterWait(key, time.Since(start))

	return err
}

// Allow reports whether key's budget currently admits one request, without
// blocking; it is the non-blocking alternative to Wait.
func (r *RateLimiter) Allow(key string) bool {
	return r.limiterFor(key).Allow()
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := r.new(rate.Limit(r.rps), r.burst)
	r.limiters[key] = l
	return l
}
