// Package config loads process configuration (§6.5) via
// github.com/spf13/viper: AutomaticEnv with a "." → "_" key replacer, plus
// an optional YAML file searched for in the working directory and the
// user's home directory.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Known LLM provider names, matching llm.Router's registration keys.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderBedrock   = "bedrock"
)

var knownProviders = []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderBedrock}

// ProviderConfig holds the per-provider keys from llm.<provider>.*.
type ProviderConfig struct {
	APIKey       string
	DefaultModel string
}

type LLMConfig struct {
	DefaultProvider string
	Providers       map[string]ProviderConfig
}

type RetryConfig struct {
	MaxRetries int
	Multiplier float64
	MinWait    time.Duration
	MaxWait    time.Duration
}

type CircuitConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

type EmbeddingConfig struct {
	Provider              string
	Model                 string
	Dimensions            int
	BatchSize             int
	MaxConcurrentRequests int
	RequestInterval       time.Duration
	Retry                 RetryConfig
	Circuit               CircuitConfig
}

type SemanticCacheConfig struct {
	Enabled    bool
	Threshold  float64
	TTL        time.Duration
	MaxEntries int
	MinChars   int
	Prefix     string
}

type RateLimitConfig struct {
	BedrockQPS         float64
	MCPPerMinute       int
	ConnectorOverrides map[string]int
}

type ChunkingConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

type RetrievalConfig struct {
	DefaultTopK int
	MaxTopK     int
}

type RunConfig struct {
	DefaultTimeout     time.Duration
	NodeDefaultTimeout time.Duration
	IOTruncateBytes    int
}

// Config is the fully-resolved process configuration for the core,
// covering every key enumerated in §6.5.
type Config struct {
	LLM           LLMConfig
	Embedding     EmbeddingConfig
	SemanticCache SemanticCacheConfig
	RateLimit     RateLimitConfig
	Chunking      ChunkingConfig
	Retrieval     RetrievalConfig
	Run           RunConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.default_provider", ProviderAnthropic)

	v.SetDefault("embedding.provider", ProviderBedrock)
	v.SetDefault("embedding.model", "amazon.titan-embed-text-v2:0")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("embedding.max_concurrent_requests", 4)
	v.SetDefault("embedding.request_interval_ms", 0)
	v.SetDefault("embedding.retry.max_retries", 3)
	v.SetDefault("embedding.retry.multiplier", 2.0)
	v.SetDefault("embedding.retry.min_wait", "1s")
	v.SetDefault("embedding.retry.max_wait", "30s")
	v.SetDefault("embedding.circuit.failure_threshold", 5)
	v.SetDefault("embedding.circuit.recovery_timeout", "30s")

	v.SetDefault("semantic_cache.enabled", true)
	v.SetDefault("semantic_cache.threshold", 0.95)
	v.SetDefault("semantic_cache.ttl_sec", 3600)
	v.SetDefault("semantic_cache.max_entries", 500)
	v.SetDefault("semantic_cache.min_chars", 32)
	v.SetDefault("semantic_cache.prefix", "chatflow:llmcache:")

	v.SetDefault("rate_limit.bedrock_qps", 5.0)
	v.SetDefault("rate_limit.mcp_per_minute", 60)

	v.SetDefault("chunking.chunk_size", 512)
	v.SetDefault("chunking.chunk_overlap", 128)

	v.SetDefault("retrieval.default_top_k", 4)
	v.SetDefault("retrieval.max_top_k", 20)

	v.SetDefault("run.default_timeout_sec", 300)
	v.SetDefault("run.node_default_timeout_sec", 60)
	v.SetDefault("run.io_truncate_bytes", 4096)

	for _, p := range knownProviders {
		v.SetDefault("llm."+p+".api_key", "")
		v.SetDefault("llm."+p+".default_model", "")
	}
}

// Load reads process configuration: environment variables first
// (CHATFLOW_LLM_DEFAULT_PROVIDER maps to llm.default_provider), then an
// optional chatflow.yaml in the working directory or the user's home
// directory, with defaults filling anything unset. configFile, if
// non-empty, is used in place of the search path.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("chatflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicitFile := configFile != ""
	if explicitFile {
		v.SetConfigFile(configFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("chatflow")
	}
	if err := v.ReadInConfig(); err != nil {
		notFound := os.IsNotExist(err)
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			notFound = true
		}
		if !notFound {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	for _, p := range knownProviders {
		bindEnv(v, "llm."+p+".api_key")
		bindEnv(v, "llm."+p+".default_model")
	}

	cfg := &Config{
		LLM: LLMConfig{
			DefaultProvider: v.GetString("llm.default_provider"),
			Providers:       make(map[string]ProviderConfig, len(knownProviders)),
		},
		Embedding: EmbeddingConfig{
			Provider:              v.GetString("embedding.provider"),
			Model:                 v.GetString("embedding.model"),
			Dimensions:            v.GetInt("embedding.dimensions"),
			BatchSize:             v.GetInt("embedding.batch_size"),
			MaxConcurrentRequests: v.GetInt("embedding.max_concurrent_requests"),
			RequestInterval:       time.Duration(v.GetInt("embedding.request_interval_ms")) * time.Millisecond,
			Retry: RetryConfig{
				MaxRetries: v.GetInt("embedding.retry.max_retries"),
				Multiplier: v.GetFloat64("embedding.retry.multiplier"),
				MinWait:    v.GetDuration("embedding.retry.min_wait"),
				MaxWait:    v.GetDuration("embedding.retry.max_wait"),
			},
			Circuit: CircuitConfig{
				FailureThreshold: v.GetInt("embedding.circuit.failure_threshold"),
				RecoveryTimeout:  v.GetDuration("embedding.circuit.recovery_timeout"),
			},
		},
		SemanticCache: SemanticCacheConfig{
			Enabled:    v.GetBool("semantic_cache.enabled"),
			Threshold:  v.GetFloat64("semantic_cache.threshold"),
			TTL:        time.Duration(v.GetInt("semantic_cache.ttl_sec")) * time.Second,
			MaxEntries: v.GetInt("semantic_cache.max_entries"),
			MinChars:   v.GetInt("semantic_cache.min_chars"),
			Prefix:     v.GetString("semantic_cache.prefix"),
		},
		RateLimit: RateLimitConfig{
			BedrockQPS:         v.GetFloat64("rate_limit.bedrock_qps"),
			MCPPerMinute:       v.GetInt("rate_limit.mcp_per_minute"),
			ConnectorOverrides: connectorOverrides(v),
		},
		Chunking: ChunkingConfig{
			ChunkSize:    v.GetInt("chunking.chunk_size"),
			ChunkOverlap: v.GetInt("chunking.chunk_overlap"),
		},
		Retrieval: RetrievalConfig{
			DefaultTopK: v.GetInt("retrieval.default_top_k"),
			MaxTopK:     v.GetInt("retrieval.max_top_k"),
		},
		Run: RunConfig{
			DefaultTimeout:     time.Duration(v.GetInt("run.default_timeout_sec")) * time.Second,
			NodeDefaultTimeout: time.Duration(v.GetInt("run.node_default_timeout_sec")) * time.Second,
			IOTruncateBytes:    v.GetInt("run.io_truncate_bytes"),
		},
	}

	for _, p := range knownProviders {
		cfg.LLM.Providers[p] = ProviderConfig{
			APIKey:       v.GetString("llm." + p + ".api_key"),
			DefaultModel: v.GetString("llm." + p + ".default_model"),
		}
	}

	return cfg, nil
}

// bindEnv makes viper re-check CHATFLOW_LLM_<PROVIDER>_API_KEY-shaped
// variables for dynamic per-provider keys, since AutomaticEnv alone only
// resolves keys viper already knows about from SetDefault/config file.
func bindEnv(v *viper.Viper, key string) {
	env := "CHATFLOW_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
	_ = v.BindEnv(key, env)
}

// connectorOverrides reads per-connector overrides from the
// rate_limit.connector_overrides map of the config file; env vars
// can't express an open-ended per-connector map, so those only come from
// a config file.
func connectorOverrides(v *viper.Viper) map[string]int {
	raw := v.GetStringMap("rate_limit.connector_overrides")
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]int, len(raw))
	for name, val := range raw {
		switch n := val.(type) {
		case int:
			out[name] = n
		case int64:
			out[name] = int(n)
		case float64:
			out[name] = int(n)
		}
	}
	return out
}
