// Package llm provides the LLMClient façade (C10): a provider-agnostic
// Generate/GenerateStream interface plus the shared Message/Usage/error
// shapes every provider package (llm/anthropic, llm/openai, llm/google,
// llm/bedrock) implements against, feeding the workflow engine's
// streaming, cost-tracked LLM node.
package llm

import (
	"context"

	"github.com/kasmira-labs/chatflow/apperr"
)

// Role identifies the sender of one Message, matching graph/model's role
// constants.
type Role string

// The three roles a conversation Message may carry.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation sent to the provider.
type Message struct {
	Role    Role
	Content string
}

// Request is the provider-agnostic input to Generate/GenerateStream (§4.4.4).
type Request struct {
	Provider    string
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage reports token counts and estimated spend for one call. The LLM node
// writes it to its "usage" output, and the executor adds its token counts to
// the run's TotalTokens.
type Usage struct {
	TokensIn    int
	TokensOut   int
	CacheTokens int
	CostUSD     float64
}

// Response is the non-streaming result of Generate.
type Response struct {
	Text  string
	Usage Usage
}

// Chunk is one piece of a streamed response. Final is true exactly once,
// on the chunk that carries the completed Usage.
type Chunk struct {
	Delta string
	Final bool
	Usage Usage
}

// Client is the interface every provider package implements. Implementations
// translate provider-specific errors to *apperr.Error with one of
// LLMRateLimit, LLMTimeout, LLMAuth, LLMInvalidResponse, or LLMAPIError.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// ExtractSystem separates the (at most logically one, possibly
// multi-message) system prompt from the conversational turns, mirroring
// graph/model/anthropic's extractSystemPrompt — Anthropic's and Bedrock's
// wire formats both want the system prompt out-of-band.
func ExtractSystem(messages []Message) (system string, rest []Message) {
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// AuthError builds the standard "missing API key" failure every provider
// returns before attempting a call.
func AuthError(provider string) error {
	return apperr.New(apperr.LLMAuth, provider+": API key is required")
}
