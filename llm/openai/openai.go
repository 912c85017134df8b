// Package openai implements llm.Client against the OpenAI Chat Completions
// API.
package openai

import (
	"context"
	"errors"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/llm"
)

const (
	inputCostPerMTok  = 2.50
	outputCostPerMTok = 10.00
)

// Client implements llm.Client for OpenAI.
type Client struct {
	apiKey       string
	defaultModel string
}

// New returns a Client.
func New(apiKey, defaultModel string) *Client {
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &Client{apiKey: apiKey, defaultModel: defaultModel}
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if c.apiKey == "" {
		return llm.Response{}, llm.AuthError("openai")
	}
	if ctx.Err() != nil {
		return llm.Response{}, apperr.Wrap(apperr.Cancelled, "openai: context cancelled", ctx.Err())
	}

	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(modelOrDefault(req.Model, c.defaultModel)),
		Messages: convertMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, translate(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, apperr.New(apperr.LLMInvalidResponse, "openai: empty choices in response")
	}

	usage := llm.Usage{
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
	}
	usage.CostUSD = float64(usage.TokensIn)/1e6*inputCostPerMTok + float64(usage.TokensOut)/1e6*outputCostPerMTok

	return llm.Response{Text: resp.Choices[0].Message.Content, Usage: usage}, nil
}

// GenerateStream implements llm.Client.
func (c *Client) GenerateStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if c.apiKey == "" {
		return nil, llm.AuthError("openai")
	}

	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(modelOrDefault(req.Model, c.defaultModel)),
		Messages: convertMessages(req.Messages),
		StreamOptions: openaisdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: openaisdk.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan llm.Chunk)

	go func() {
		defer close(out)
		var tokensIn, tokensOut int
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				tokensIn = int(chunk.Usage.PromptTokens)
				tokensOut = int(chunk.Usage.CompletionTokens)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- llm.Chunk{Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
		if stream.Err() != nil {
			return
		}
		usage := llm.Usage{TokensIn: tokensIn, TokensOut: tokensOut}
		usage.CostUSD = float64(tokensIn)/1e6*inputCostPerMTok + float64(tokensOut)/1e6*outputCostPerMTok
		select {
		case out <- llm.Chunk{Final: true, Usage: usage}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func modelOrDefault(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}

func convertMessages(messages []llm.Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openaisdk.SystemMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, openaisdk.AssistantMessage(m.Content))
		default:
			out = append(out, openaisdk.UserMessage(m.Content))
		}
	}
	return out
}

// translate maps an SDK error to the engine's error-kind taxonomy (§7).
// Retries are the executor's/resilience package's job, not the client's.
func translate(err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return apperr.Wrap(apperr.LLMAuth, "openai: authentication failed", err)
		case 429:
			return apperr.Wrap(apperr.LLMRateLimit, "openai: rate limited", err)
		case 408, 504:
			return apperr.Wrap(apperr.LLMTimeout, "openai: request timed out", err)
		default:
			return apperr.Wrap(apperr.LLMAPIError, "openai: API error", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.LLMTimeout, "openai: deadline exceeded", err)
	}
	return apperr.Wrap(apperr.LLMAPIError, "openai: request failed", err)
}
