package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/metrics"
)

// CircuitBreaker wraps sony/gobreaker.CircuitBreaker, translating its
// ErrOpenState into the engine's embedding_circuit_open kind (§4.7) so
// callers (the embedding service, in particular) don't need to know which
// library backs the breaker.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker

	mu sync.RWMutex
	m  *metrics.Metrics
}

// NewCircuitBreaker builds a CircuitBreaker named name that opens after
// consecutiveFailures in a row and stays open for openFor before probing
// again with a single trial call (gobreaker's half-open state).
func NewCircuitBreaker(name string, consecutiveFailures uint32, openFor time.Duration) *CircuitBreaker {
	b := &CircuitBreaker{}
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.RLock()
			m := b.m
			b.mu.RUnlock()
			if m == nil {
				return
			}
			m.SetCircuitState(name, to.String())
			if to == gobreaker.StateOpen {
				m.IncrementCircuitTrip(name)
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// SetMetrics attaches a metrics.Metrics collector this breaker reports its
// state transitions and trip count to. Optional; a breaker with no
// attached collector records nothing.
func (b *CircuitBreaker) SetMetrics(m *metrics.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m = m
}

// Execute runs fn through the breaker. A request attempted while the
// breaker is open returns apperr.EmbeddingCircuitOpen without calling fn.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err == gobreaker.ErrOpenState {
		return nil, apperr.New(apperr.EmbeddingCircuitOpen, "circuit breaker "+b.cb.Name()+" is open")
	}
	return result, err
}

// State reports the breaker's current state name ("closed", "half-open",
// "open"), for health/metrics endpoints.
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}
