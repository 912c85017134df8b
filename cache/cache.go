// Package cache implements the SemanticCache (C11): a similarity-keyed LLM
// response cache. Keys combine provider/model/system-prompt/temperature/
// max-tokens into an exact bucket, then a cosine similarity check over
// prompt embeddings within that bucket decides a hit, backed by
// redis/go-redis/v9.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kasmira-labs/chatflow/vectorstore"
)

// Options configures a Cache, mirroring the enumerated semantic_cache.*
// config keys of §6.5.
type Options struct {
	Enabled    bool
	Threshold  float64 // minimum cosine similarity to count as a hit, default 0.95
	TTL        time.Duration
	MaxEntries int // bounded LRU size per bucket, default 500
	MinChars   int // prompts shorter than this never participate, default 32
	Prefix     string
}

func (o Options) withDefaults() Options {
	if o.Threshold == 0 {
		o.Threshold = 0.95
	}
	if o.TTL == 0 {
		o.TTL = time.Hour
	}
	if o.MaxEntries == 0 {
		o.MaxEntries = 500
	}
	if o.MinChars == 0 {
		o.MinChars = 32
	}
	if o.Prefix == "" {
		o.Prefix = "chatflow:semcache"
	}
	return o
}

// Key identifies a cache bucket: calls that share every field are candidates
// for a similarity hit against each other (§4.11).
type Key struct {
	Provider     string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	ContextHash  string
}

// entry is one bucket member: the prompt's embedding (for the similarity
// check) alongside the cached response text.
type entry struct {
	Embedding []float32 `json:"embedding"`
	Response  string    `json:"response"`
}

// Cache is the SemanticCache. Embedding of the prompt is the caller's
// responsibility (normally the same embedding.Service backing knowledge
// retrieval) so the cache itself has no provider dependency.
type Cache struct {
	rdb  *redis.Client
	opts Options
}

// New wraps an existing redis client.
func New(rdb *redis.Client, opts Options) *Cache {
	return &Cache{rdb: rdb, opts: opts.withDefaults()}
}

// Lookup returns a cached response for prompt/promptEmbedding within key's
// bucket if a member scores >= Threshold cosine similarity, per §4.11.
// Prompts shorter than MinChars always miss without touching Redis.
func (c *Cache) Lookup(ctx context.Context, key Key, prompt string, promptEmbedding []float32) (string, bool, error) {
	if !c.opts.Enabled || len(prompt) < c.opts.MinChars {
		return "", false, nil
	}

	bucketKey := c.bucketKey(key)
	raw, err := c.rdb.LRange(ctx, bucketKey, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache: lookup bucket: %w", err)
	}

	best := -1.0
	bestResponse := ""
	for _, r := range raw {
		var e entry
		if jsonErr := json.Unmarshal([]byte(r), &e); jsonErr != nil {
			continue
		}
		score := vectorstore.CosineSimilarity(promptEmbedding, e.Embedding)
		if score > best {
			best = score
			bestResponse = e.Response
		}
	}
	if best >= c.opts.Threshold {
		return bestResponse, true, nil
	}
	return "", false, nil
}

// Store inserts response into key's bucket, trimming the bucket to
// MaxEntries (LRU by insertion order) and refreshing its TTL.
func (c *Cache) Store(ctx context.Context, key Key, prompt string, promptEmbedding []float32, response string) error {
	if !c.opts.Enabled || len(prompt) < c.opts.MinChars {
		return nil
	}

	bucketKey := c.bucketKey(key)
	raw, err := json.Marshal(entry{Embedding: promptEmbedding, Response: response})
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, bucketKey, raw)
	pipe.LTrim(ctx, bucketKey, 0, int64(c.opts.MaxEntries-1))
	pipe.Expire(ctx, bucketKey, c.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: store entry: %w", err)
	}
	return nil
}

func (c *Cache) bucketKey(key Key) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%.4f|%d|%s", key.Provider, key.Model, key.SystemPrompt, key.Temperature, key.MaxTokens, key.ContextHash)
	return c.opts.Prefix + ":" + hex.EncodeToString(h.Sum(nil))
}

// HashSystemPrompt and HashContext give callers a stable short hash for the
// Key.SystemPrompt/Key.ContextHash fields without needing to import crypto
// themselves.
func HashSystemPrompt(systemPrompt string) string { return hashString(systemPrompt) }
func HashContext(context string) string           { return hashString(context) }

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:8])
}

// TemperatureBucket and MaxTokensBucket coarsen continuous/fine-grained
// config into the discrete buckets the cache key expects (§4.11), so two
// calls with temperature 0.701 and 0.703 land in the same bucket.
func TemperatureBucket(temperature float64) float64 {
	return float64(int(temperature*10+0.5)) / 10
}

func MaxTokensBucket(maxTokens int) int {
	switch {
	case maxTokens <= 256:
		return 256
	case maxTokens <= 512:
		return 512
	case maxTokens <= 1024:
		return 1024
	case maxTokens <= 2048:
		return 2048
	default:
		return 4096
	}
}
