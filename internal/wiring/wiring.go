// Package wiring builds the concrete Services/Executor/Worker graph that
// cmd/chatflow-server and cmd/chatflow-worker both need, so neither binary
// duplicates provider/store/cache selection. Driver selection by config
// string favors explicit, unabstracted construction over a DI container.
package wiring

import (
	"context"
	"fmt"

	"github.com/kasmira-labs/chatflow/cache"
	"github.com/kasmira-labs/chatflow/config"
	"github.com/kasmira-labs/chatflow/embedding"
	"github.com/kasmira-labs/chatflow/embedding/bedrockembed"
	"github.com/kasmira-labs/chatflow/emit"
	"github.com/kasmira-labs/chatflow/llm"
	"github.com/kasmira-labs/chatflow/llm/anthropic"
	"github.com/kasmira-labs/chatflow/llm/bedrock"
	"github.com/kasmira-labs/chatflow/llm/google"
	"github.com/kasmira-labs/chatflow/llm/openai"
	"github.com/kasmira-labs/chatflow/metrics"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/nodes"
	"github.com/kasmira-labs/chatflow/resilience"
	"github.com/kasmira-labs/chatflow/store"
	"github.com/kasmira-labs/chatflow/vectorstore"
	"github.com/kasmira-labs/chatflow/worker"

	"github.com/redis/go-redis/v9"
)

// Env names the process environment variables this binary reads outside
// of config.Load's CHATFLOW_* keys — connection strings and driver
// selectors that name infrastructure, not tunables.
type Env struct {
	StoreDriver  string // "mysql" or "sqlite"
	StoreDSN     string
	VectorDriver string // "memory", "pgvector", or "milvus"
	VectorDSN    string
	RedisAddr    string // empty disables the semantic cache
	AWSRegion    string
	AMQPURL      string // required only by cmd/chatflow-worker

	TavilyAPIKey  string
	TavilyBaseURL string // defaults to nodes' own default when empty
}

// Built bundles the components both binaries assemble a Registry/Executor/
// Worker from.
type Built struct {
	Config   *config.Config
	Store    store.Store
	Vectors  vectorstore.Store
	Router   *llm.Router
	Embed    *embedding.Service
	Cache    *cache.Cache
	Emitter  emit.Emitter
	Limiter  *resilience.RateLimiter
	Registry *node.Registry
	Metrics  *metrics.Metrics
}

// Build wires every component named in SPEC_FULL.md's domain stack section
// against cfg and env, registering whichever LLM providers have a non-empty
// api_key configured, plus Bedrock when env.AWSRegion is set.
func Build(ctx context.Context, cfg *config.Config, env Env) (*Built, error) {
	st, err := openStore(env)
	if err != nil {
		return nil, fmt.Errorf("wiring: store: %w", err)
	}

	vectors, err := openVectorStore(ctx, env, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("wiring: vector store: %w", err)
	}

	router, err := buildRouter(ctx, cfg, env)
	if err != nil {
		return nil, fmt.Errorf("wiring: llm router: %w", err)
	}

	m := metrics.New(nil)

	embed, err := buildEmbeddingService(ctx, cfg, env, m)
	if err != nil {
		return nil, fmt.Errorf("wiring: embedding service: %w", err)
	}

	limiter := resilience.NewRateLimiter(cfg.RateLimit.BedrockQPS, int(cfg.RateLimit.BedrockQPS)+1)
	limiter.SetMetrics(m)

	var semCache *cache.Cache
	if env.RedisAddr != "" && cfg.SemanticCache.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: env.RedisAddr})
		semCache = cache.New(rdb, cache.Options{
			Enabled:    cfg.SemanticCache.Enabled,
			Threshold:  cfg.SemanticCache.Threshold,
			TTL:        cfg.SemanticCache.TTL,
			MaxEntries: cfg.SemanticCache.MaxEntries,
			MinChars:   cfg.SemanticCache.MinChars,
			Prefix:     cfg.SemanticCache.Prefix,
		})
	}

	emitter := emit.NewLogEmitter(nil, true)

	svc := &nodes.Services{
		LLM:           router,
		Embedding:     embed,
		Vectors:       vectors,
		Cache:         semCache,
		Limiter:       limiter,
		TavilyAPIKey:  env.TavilyAPIKey,
		TavilyBaseURL: env.TavilyBaseURL,
	}
	reg := nodes.Register(svc)

	return &Built{
		Config:   cfg,
		Store:    st,
		Vectors:  vectors,
		Router:   router,
		Embed:    embed,
		Cache:    semCache,
		Emitter:  emitter,
		Limiter:  limiter,
		Registry: reg,
		Metrics:  m,
	}, nil
}

func openStore(env Env) (store.Store, error) {
	switch env.StoreDriver {
	case "", "sqlite":
		return store.NewSQLiteStore(env.StoreDSN)
	case "mysql":
		return store.NewMySQLStore(env.StoreDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", env.StoreDriver)
	}
}

func openVectorStore(ctx context.Context, env Env, dims int) (vectorstore.Store, error) {
	switch env.VectorDriver {
	case "", "memory":
		return vectorstore.NewMemoryStore(), nil
	case "pgvector":
		return vectorstore.NewPGStore(ctx, env.VectorDSN, dims)
	case "milvus":
		return vectorstore.NewMilvusStore(ctx, env.VectorDSN, dims)
	default:
		return nil, fmt.Errorf("unknown vector store driver %q", env.VectorDriver)
	}
}

// buildRouter registers one llm.Client per provider with a configured
// api_key, and a Bedrock client when env.AWSRegion is set, so a deployment
// only needs to set the credentials it actually uses.
func buildRouter(ctx context.Context, cfg *config.Config, env Env) (*llm.Router, error) {
	r := llm.NewRouter()

	if pc := cfg.LLM.Providers[config.ProviderAnthropic]; pc.APIKey != "" {
		r.Register(config.ProviderAnthropic, anthropic.New(pc.APIKey, pc.DefaultModel))
	}
	if pc := cfg.LLM.Providers[config.ProviderOpenAI]; pc.APIKey != "" {
		r.Register(config.ProviderOpenAI, openai.New(pc.APIKey, pc.DefaultModel))
	}
	if pc := cfg.LLM.Providers[config.ProviderGoogle]; pc.APIKey != "" {
		r.Register(config.ProviderGoogle, google.New(pc.APIKey, pc.DefaultModel))
	}
	if env.AWSRegion != "" {
		pc := cfg.LLM.Providers[config.ProviderBedrock]
		client, err := bedrock.NewFromRegion(ctx, env.AWSRegion, pc.DefaultModel)
		if err != nil {
			return nil, err
		}
		r.Register(config.ProviderBedrock, client)
	}

	if cfg.LLM.DefaultProvider != "" {
		r.Default = cfg.LLM.DefaultProvider
	}
	return r, nil
}

// buildEmbeddingService selects the configured embedding provider and
// wraps it with the shared rate limiter and circuit breaker per §4.7.2.
func buildEmbeddingService(ctx context.Context, cfg *config.Config, env Env, m *metrics.Metrics) (*embedding.Service, error) {
	var provider embedding.Provider
	switch cfg.Embedding.Provider {
	case config.ProviderBedrock, "":
		if env.AWSRegion == "" {
			provider = embedding.NewMockProvider(cfg.Embedding.Dimensions)
			break
		}
		p, err := bedrockembed.NewFromRegion(ctx, env.AWSRegion, cfg.Embedding.Model, cfg.Embedding.Dimensions)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}

	limiter := resilience.NewRateLimiter(
		float64(cfg.Embedding.MaxConcurrentRequests),
		cfg.Embedding.MaxConcurrentRequests+1,
	)
	limiter.SetMetrics(m)
	breaker := resilience.NewCircuitBreaker(
		"embedding",
		uint32(cfg.Embedding.Circuit.FailureThreshold),
		cfg.Embedding.Circuit.RecoveryTimeout,
	)
	breaker.SetMetrics(m)

	return embedding.New(provider, limiter, breaker, embedding.Options{
		Retry: embedding.RetryPolicy{
			MaxRetries: cfg.Embedding.Retry.MaxRetries,
			MinWait:    cfg.Embedding.Retry.MinWait,
			MaxWait:    cfg.Embedding.Retry.MaxWait,
		},
		BatchSize: cfg.Embedding.BatchSize,
	}), nil
}

// NewWorker builds the EmbeddingWorker (C9) against b's embedding service
// and vector store, consuming env.AMQPURL.
func NewWorker(b *Built, env Env, opts worker.Options) (*worker.Worker, error) {
	if env.AMQPURL == "" {
		return nil, fmt.Errorf("wiring: AMQP URL is required to build the embedding worker")
	}

	var dl worker.Downloader
	if env.AWSRegion != "" {
		d, err := worker.NewS3DownloaderFromRegion(context.Background(), env.AWSRegion)
		if err != nil {
			return nil, err
		}
		dl = d
	}

	return worker.New(env.AMQPURL, b.Store, b.Vectors, b.Embed, dl, b.Emitter, opts)
}
