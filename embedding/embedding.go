// Package embedding implements the EmbeddingService (C7): a
// provider-abstracted text→vector client wrapping rate limiting, circuit
// breaking, retry-with-backoff, and sub-batching around a pluggable
// Provider (interface + per-provider struct + mock).
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/resilience"
)

// Provider embeds text into fixed-dimension vectors. Implementations: a real
// cloud provider and a deterministic mock for tests/offline dev (§4.7.1).
type Provider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// RetryPolicy configures the exponential backoff with jitter applied to
// rate-limit-class errors (§4.7.2). Authorization and validation errors are
// never retried.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy is used when Options.Retry is left zero. Its waits are
// shorter than config.Load's embedding.retry.* defaults (1s/30s), which
// internal/wiring passes explicitly.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, MinWait: 200 * time.Millisecond, MaxWait: 4 * time.Second}

// Options configures a Service.
type Options struct {
	Retry RetryPolicy

	// BatchSize is the maximum number of texts submitted to the provider in
	// a single EmbedDocuments call (§4.7.3). Default 16.
	BatchSize int

	// MaxConcurrentBatches bounds how many sub-batches run concurrently.
	// Default 2.
	MaxConcurrentBatches int
}

func (o Options) withDefaults() Options {
	if o.Retry == (RetryPolicy{}) {
		o.Retry = DefaultRetryPolicy
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.MaxConcurrentBatches <= 0 {
		o.MaxConcurrentBatches = 2
	}
	return o
}

// Service is the EmbeddingService: a Provider wrapped with a
// resilience.RateLimiter and resilience.CircuitBreaker, retry-with-backoff,
// and sub-batched concurrent dispatch.
type Service struct {
	provider Provider
	limiter  *resilience.RateLimiter
	breaker  *resilience.CircuitBreaker
	opts     Options
}

// New builds a Service. limiter/breaker may be nil to disable that guard
// (useful for the deterministic mock in tests).
func New(provider Provider, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, opts Options) *Service {
	return &Service{provider: provider, limiter: limiter, breaker: breaker, opts: opts.withDefaults()}
}

// Dimensions reports the provider's vector width.
func (s *Service) Dimensions() int { return s.provider.Dimensions() }

// EmbedQuery embeds a single text, per §4.7.1.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := s.withGuards(ctx, func(ctx context.Context) error {
		v, err := s.provider.EmbedQuery(ctx, text)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// EmbedDocuments embeds texts, sub-batching by Options.BatchSize and running
// up to Options.MaxConcurrentBatches batches concurrently; results preserve
// input order regardless of completion order (§4.7.3).
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batches := chunkStrings(texts, s.opts.BatchSize)
	results := make([][][]float32, len(batches))

	sem := make(chan struct{}, s.opts.MaxConcurrentBatches)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, batch := range batches {
		i, batch := i, batch
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			var vecs [][]float32
			err := s.withGuards(ctx, func(ctx context.Context) error {
				v, err := s.provider.EmbedDocuments(ctx, batch)
				if err != nil {
					return err
				}
				vecs = v
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results[i] = vecs
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	out := make([][]float32, 0, len(texts))
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// withGuards runs fn behind the rate limiter and circuit breaker (if
// configured), retrying rate-limit-class failures with exponential backoff
// and jitter. Authorization/validation-class errors are returned
// immediately without retry (§4.7.2).
func (s *Service) withGuards(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, "embedding"); err != nil {
			return err
		}
	}

	attempt := func() error {
		if s.breaker != nil {
			_, err := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
				return nil, fn(ctx)
			})
			return err
		}
		return fn(ctx)
	}

	var lastErr error
	for i := 0; i <= s.opts.Retry.MaxRetries; i++ {
		lastErr = attempt()
		if lastErr == nil {
			return nil
		}
		if apperr.KindOf(lastErr, "") == apperr.EmbeddingCircuitOpen {
			return lastErr // worker decides disposition; never retried here
		}
		if !retryable(lastErr) || i == s.opts.Retry.MaxRetries {
			return lastErr
		}
		wait := backoff(s.opts.Retry, i)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// retryable reports whether err belongs to the rate-limit error class that
// §4.7.2 permits retrying. Unclassified errors (provider network blips) are
// also retried; auth/validation failures return a recognized Kind and are
// excluded.
func retryable(err error) bool {
	switch apperr.KindOf(err, "") {
	case apperr.LLMAuth, apperr.ValidationFailed:
		return false
	default:
		return true
	}
}

func backoff(p RetryPolicy, attempt int) time.Duration {
	wait := p.MinWait << uint(attempt)
	if wait > p.MaxWait {
		wait = p.MaxWait
	}
	jitter := time.Duration(rand.Int63n(int64(wait) / 2 + 1))
	return wait/2 + jitter
}

func chunkStrings(texts []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(texts); i += size {
		end := i + size
		if end > len(texts) {
			end = len(texts)
		}
		out = append(out, texts[i:end])
	}
	return out
}

// MockProvider is a deterministic SHA-256-derived pseudo-vector provider for
// tests and offline dev (§4.7.1), avoiding network calls while remaining
// stable across runs for the same input text.
type MockProvider struct {
	dims int
}

// NewMockProvider returns a MockProvider producing vectors of width dims
// (default 1024 if dims <= 0, matching §6.4's default embedding dimension).
func NewMockProvider(dims int) *MockProvider {
	if dims <= 0 {
		dims = 1024
	}
	return &MockProvider{dims: dims}
}

func (m *MockProvider) Dimensions() int { return m.dims }

func (m *MockProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return deterministicVector(text, m.dims), nil
}

func (m *MockProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = deterministicVector(t, m.dims)
	}
	return out, nil
}

// deterministicVector expands text's SHA-256 digest into dims float32
// components in [-1, 1] by repeatedly re-hashing, giving a stable
// pseudo-embedding: identical text always yields an identical vector, and
// near-identical text yields very different vectors (no semantic
// similarity is implied — this is strictly a test double).
func deterministicVector(text string, dims int) []float32 {
	out := make([]float32, dims)
	h := sha256.Sum256([]byte(text))
	seed := h[:]
	for i := 0; i < dims; i++ {
		if i > 0 && i%8 == 0 {
			next := sha256.Sum256(seed)
			seed = next[:]
		}
		off := (i % 8) * 4
		bits := binary.BigEndian.Uint32(seed[off : off+4])
		out[i] = (float32(bits%2000001) - 1000000) / 1000000
	}
	return out
}
