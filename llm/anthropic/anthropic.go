// Package anthropic implements llm.Client against the Claude Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/llm"
)

// costPerMTok is the approximate list price for the default model family,
// used only to populate Usage.CostUSD for cost-tracking dashboards; it is
// not an exact billing reconciliation.
const (
	inputCostPerMTok  = 3.00
	outputCostPerMTok = 15.00
)

// Client implements llm.Client for Anthropic.
type Client struct {
	apiKey       string
	defaultModel string
}

// New returns a Client. apiKey must be non-empty; defaultModel is used
// when a Request leaves Model empty.
func New(apiKey, defaultModel string) *Client {
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-5-20250929"
	}
	return &Client{apiKey: apiKey, defaultModel: defaultModel}
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if c.apiKey == "" {
		return llm.Response{}, llm.AuthError("anthropic")
	}
	if ctx.Err() != nil {
		return llm.Response{}, apperr.Wrap(apperr.Cancelled, "anthropic: context cancelled", ctx.Err())
	}

	system, rest := llm.ExtractSystem(req.Messages)
	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelOrDefault(req.Model, c.defaultModel)),
		Messages:  convertMessages(rest),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, translate(err)
	}

	var text string
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if text != "" {
				text += "\n"
			}
			text += b.Text
		}
	}

	usage := llm.Usage{
		TokensIn:  int(resp.Usage.InputTokens),
		TokensOut: int(resp.Usage.OutputTokens),
	}
	usage.CostUSD = float64(usage.TokensIn)/1e6*inputCostPerMTok + float64(usage.TokensOut)/1e6*outputCostPerMTok
	return llm.Response{Text: text, Usage: usage}, nil
}

// GenerateStream implements llm.Client. The SDK's streaming iterator is
// consumed on a goroutine and forwarded as llm.Chunk values; the channel is
// always closed, with the final chunk carrying the completed Usage.
func (c *Client) GenerateStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if c.apiKey == "" {
		return nil, llm.AuthError("anthropic")
	}

	system, rest := llm.ExtractSystem(req.Messages)
	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelOrDefault(req.Model, c.defaultModel)),
		Messages:  convertMessages(rest),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	stream := client.Messages.NewStreaming(ctx, params)
	out := make(chan llm.Chunk)

	go func() {
		defer close(out)
		var acc anthropicsdk.Message
		var tokensIn, tokensOut int
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				continue
			}
			if delta, ok := event.AsAny().(anthropicsdk.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropicsdk.TextDelta); ok && text.Text != "" {
					select {
					case out <- llm.Chunk{Delta: text.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return
		}
		tokensIn = int(acc.Usage.InputTokens)
		tokensOut = int(acc.Usage.OutputTokens)
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

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func convertMessages(messages []llm.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, len(messages))
	for i, m := range messages {
		switch m.Role {
		case llm.RoleAssistant:
			out[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content))
		default:
			out[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content))
		}
	}
	return out
}

// translate maps an SDK error to the engine's error-kind taxonomy (§7).
func translate(err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return apperr.Wrap(apperr.LLMAuth, "anthropic: authentication failed", err)
		case 429:
			return apperr.Wrap(apperr.LLMRateLimit, "anthropic: rate limited", err)
		case 408, 504:
			return apperr.Wrap(apperr.LLMTimeout, "anthropic: request timed out", err)
		default:
			return apperr.Wrap(apperr.LLMAPIError, fmt.Sprintf("anthropic: API error (status %d)", apiErr.StatusCode), err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.LLMTimeout, "anthropic: deadline exceeded", err)
	}
	return apperr.Wrap(apperr.LLMAPIError, "anthropic: request failed", err)
}
