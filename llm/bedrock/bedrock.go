// Package bedrock implements llm.Client against the AWS Bedrock Converse
// API: RuntimeClient interface wrapping *bedrockruntime.Client, a
// system/message split, and Converse/ConverseStream support.
package bedrock

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/llm"
)

const (
	inputCostPerMTok  = 3.00
	outputCostPerMTok = 15.00
)

// RuntimeClient is the subset of *bedrockruntime.Client the adapter needs,
// interface-wrapped for testability.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Client implements llm.Client for Bedrock.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
}

// New wraps an already-configured Bedrock runtime client.
func New(runtime RuntimeClient, defaultModel string) *Client {
	return &Client{runtime: runtime, defaultModel: defaultModel}
}

// NewFromRegion builds a Client using the default AWS credential chain
// (env vars, shared config, container/instance roles) for the given region.
func NewFromRegion(ctx context.Context, region, defaultModel string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperr.Wrap(apperr.LLMAuth, "bedrock: failed to load AWS config", err)
	}
	return New(bedrockruntime.NewFromConfig(cfg), defaultModel), nil
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if c.runtime == nil {
		return llm.Response{}, llm.AuthError("bedrock")
	}

	system, rest := llm.ExtractSystem(req.Messages)
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelOrDefault(req.Model, c.defaultModel)),
		Messages: convertMessages(rest),
	}
	if system != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: system}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return llm.Response{}, translate(err)
	}

	text := extractText(out.Output)
	usage := llm.Usage{}
	if out.Usage != nil {
		usage.TokensIn = int(aws.ToInt32(out.Usage.InputTokens))
		usage.TokensOut = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	usage.CostUSD = float64(usage.TokensIn)/1e6*inputCostPerMTok + float64(usage.TokensOut)/1e6*outputCostPerMTok

	return llm.Response{Text: text, Usage: usage}, nil
}

// GenerateStream implements llm.Client.
func (c *Client) GenerateStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if c.runtime == nil {
		return nil, llm.AuthError("bedrock")
	}

	system, rest := llm.ExtractSystem(req.Messages)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelOrDefault(req.Model, c.defaultModel)),
		Messages: convertMessages(rest),
	}
	if system != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: system}}
	}

	resp, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, translate(err)
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		stream := resp.GetStream()
		defer stream.Close()
		var tokensIn, tokensOut int
		for event := range stream.Events() {
			switch e := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := e.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok {
					select {
					case out <- llm.Chunk{Delta: delta.Value}:
					case <-ctx.Done():
						return
					}
				}
			case *brtypes.ConverseStreamOutputMemberMetadata:
				if e.Value.Usage != nil {
					tokensIn = int(aws.ToInt32(e.Value.Usage.InputTokens))
					tokensOut = int(aws.ToInt32(e.Value.Usage.OutputTokens))
				}
			}
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

func convertMessages(messages []llm.Message) []brtypes.Message {
	out := make([]brtypes.Message, 0, len(messages))
	for _, m := range messages {
		role := brtypes.ConversationRoleUser
		if m.Role == llm.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return out
}

func extractText(output brtypes.ConverseOutput) string {
	member, ok := output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var text string
	for _, block := range member.Value.Content {
		if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += t.Value
		}
	}
	return text
}

// translate maps a Bedrock/smithy transport error to the engine's
// error-kind taxonomy (§7).
func translate(err error) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 401, 403:
			return apperr.Wrap(apperr.LLMAuth, "bedrock: authentication failed", err)
		case 429:
			return apperr.Wrap(apperr.LLMRateLimit, "bedrock: rate limited", err)
		case 408, 504:
			return apperr.Wrap(apperr.LLMTimeout, "bedrock: request timed out", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.LLMTimeout, "bedrock: deadline exceeded", err)
	}
	return apperr.Wrap(apperr.LLMAPIError, "bedrock: request failed", err)
}
