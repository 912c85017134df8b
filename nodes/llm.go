package nodes

import (
	"context"
	"errors"
	"strings"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/cache"
	"github.com/kasmira-labs/chatflow/llm"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/tmpl"
	"github.com/kasmira-labs/chatflow/workflow"
)

// NewLLM builds the LLM handler (§4.4.4): renders prompt_template against
// this node's own resolved inputs and the VariablePool, checks the
// semantic cache, acquires the rate limiter, dispatches to svc.LLM, and
// streams chunks to the caller's stream sink as they arrive. Rate-limit
// acquisition and the cache lookup both happen before dispatch; a cache hit
// returns without touching the limiter at all (§4.4.4).
func NewLLM(svc *Services) node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		p, _ := node.PoolFrom(ctx)
		resolver := selfResolver{in: in, pool: p}

		provider, _ := n.Config["provider"].(string)
		model, _ := n.Config["model"].(string)
		promptTemplate, _ := n.Config["prompt_template"].(string)
		systemPrompt, _ := n.Config["system_prompt"].(string)
		temperature := configFloat(n.Config, "temperature", 0.7)
		maxTokens := configInt(n.Config, "max_tokens", 1024)

		if promptTemplate == "" {
			return node.Result{}, apperr.New(apperr.ValidationFailed, "llm: prompt_template must be non-empty").WithNode(n.ID)
		}

		prompt, err := tmpl.Render(ctx, promptTemplate, resolver)
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.TemplateRenderFailed, "llm: render prompt_template", err).WithNode(n.ID)
		}

		cacheKey := cache.Key{
			Provider:     provider,
			Model:        model,
			SystemPrompt: cache.HashSystemPrompt(systemPrompt),
			Temperature:  cache.TemperatureBucket(temperature),
			MaxTokens:    cache.MaxTokensBucket(maxTokens),
		}
		if contextVal, ok := in["context"]; ok {
			cacheKey.ContextHash = cache.HashContext(contextVal.String())
		}

		var promptEmbedding []float32
		if svc.Embedding != nil {
			if v, embedErr := svc.Embedding.EmbedQuery(ctx, prompt); embedErr == nil {
				promptEmbedding = v
			}
		}

		if svc.Cache != nil && promptEmbedding != nil {
			if cached, hit, lookupErr := svc.Cache.Lookup(ctx, cacheKey, prompt, promptEmbedding); lookupErr == nil && hit {
				node.StreamFrom(ctx)(n.ID, cached)
				return node.Result{Outputs: map[string]pool.Value{
					"response": pool.String(cached),
				}}, nil
			}
		}

		if svc.Limiter != nil {
			limiterKey := provider
			if limiterKey == "" {
				limiterKey = "default"
			}
			if err := svc.Limiter.Wait(ctx, limiterKey); err != nil {
				return node.Result{}, apperr.Wrap(apperr.LLMRateLimit, "llm: rate limiter wait", err).WithNode(n.ID)
			}
		}

		var messages []llm.Message
		if systemPrompt != "" {
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

		req := llm.Request{
			Provider:    provider,
			Model:       model,
			Messages:    messages,
			Temperature: temperature,
			MaxTokens:   maxTokens,
		}

		text, usage, err := generate(ctx, svc.LLM, n.ID, req)
		if err != nil {
			return node.Result{}, err
		}

		if svc.Cache != nil && promptEmbedding != nil {
			_ = svc.Cache.Store(ctx, cacheKey, prompt, promptEmbedding, text)
		}

		return node.Result{Outputs: map[string]pool.Value{
			"response": pool.String(text),
			"usage": pool.Map(map[string]pool.Value{
				"input_tokens":  pool.Number(float64(usage.TokensIn)),
				"output_tokens": pool.Number(float64(usage.TokensOut)),
				"cache_tokens":  pool.Number(float64(usage.CacheTokens)),
			}),
		}}, nil
	})
}

// generate streams req through client, forwarding each chunk to the
// caller's stream sink as it arrives (§4.6 step 5c; a no-op sink when the
// executor registered none) and accumulating the full text and final Usage.
func generate(ctx context.Context, client llm.Client, nodeID string, req llm.Request) (string, llm.Usage, error) {
	sink := node.StreamFrom(ctx)
	chunks, err := client.GenerateStream(ctx, req)
	if err != nil {
		return "", llm.Usage{}, classifyLLMError(err, nodeID)
	}

	var text strings.Builder
	var usage llm.Usage
	for chunk := range chunks {
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
			sink(nodeID, chunk.Delta)
		}
		if chunk.Final {
			usage = chunk.Usage
		}
	}
	return text.String(), usage, nil
}

// classifyLLMError preserves an already-classified *apperr.Error (stamping
// nodeID), or wraps an unclassified error as the LLMAPIError catch-all
// (§4.10).
func classifyLLMError(err error, nodeID string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.WithNode(nodeID)
	}
	return apperr.Wrap(apperr.LLMAPIError, "llm: generate_stream", err).WithNode(nodeID)
}

// LLMSchema declares LLM's input/output ports. context is required unless
// the node config allows falling back to conversation history (§4.4.4).
func LLMSchema(n workflow.Node) workflow.Ports {
	contextRequired := true
	if v, ok := n.Config["allow_conversation_context_fallback"].(bool); ok && v {
		contextRequired = false
	}
	return workflow.Ports{
		Inputs: []workflow.Port{
			{Name: "query", Type: workflow.PortString, Required: true},
			{Name: "context", Type: workflow.PortString, Required: contextRequired},
		},
		Outputs: []workflow.Port{
			{Name: "response", Type: workflow.PortString, Required: true},
			{Name: "usage", Type: workflow.PortObject},
		},
	}
}
