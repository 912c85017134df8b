// Package google implements llm.Client against the Gemini API.
package google

import (
	"context"
	"errors"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/llm"
)

const (
	inputCostPerMTok  = 1.25
	outputCostPerMTok = 5.00
)

// Client implements llm.Client for Gemini.
type Client struct {
	apiKey       string
	defaultModel string
}

// New returns a Client.
func New(apiKey, defaultModel string) *Client {
	if defaultModel == "" {
		defaultModel = "gemini-1.5-flash"
	}
	return &Client{apiKey: apiKey, defaultModel: defaultModel}
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if c.apiKey == "" {
		return llm.Response{}, llm.AuthError("google")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return llm.Response{}, translate(err)
	}
	defer client.Close()

	model := client.GenerativeModel(modelOrDefault(req.Model, c.defaultModel))
	system, rest := llm.ExtractSystem(req.Messages)
	if system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}
	if req.MaxTokens > 0 {
		n := int32(req.MaxTokens)
		model.MaxOutputTokens = &n
	}

	session := model.StartChat()
	session.History = convertHistory(rest)
	prompt := lastUserTurn(rest)

	resp, err := session.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return llm.Response{}, translate(err)
	}
	if len(resp.Candidates) == 0 {
		if safety := safetyBlockReason(resp); safety != "" {
			return llm.Response{}, apperr.New(apperr.LLMInvalidResponse, "google: content blocked by safety filter: "+safety)
		}
		return llm.Response{}, apperr.New(apperr.LLMInvalidResponse, "google: no candidates in response")
	}

	text := extractText(resp.Candidates[0])
	usage := llm.Usage{}
	if resp.UsageMetadata != nil {
		usage.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		usage.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	usage.CostUSD = float64(usage.TokensIn)/1e6*inputCostPerMTok + float64(usage.TokensOut)/1e6*outputCostPerMTok

	return llm.Response{Text: text, Usage: usage}, nil
}

// GenerateStream implements llm.Client.
func (c *Client) GenerateStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if c.apiKey == "" {
		return nil, llm.AuthError("google")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, translate(err)
	}

	model := client.GenerativeModel(modelOrDefault(req.Model, c.defaultModel))
	system, rest := llm.ExtractSystem(req.Messages)
	if system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}

	session := model.StartChat()
	session.History = convertHistory(rest)
	prompt := lastUserTurn(rest)

	iter := session.SendMessageStream(ctx, genai.Text(prompt))
	out := make(chan llm.Chunk)

	go func() {
		defer close(out)
		defer client.Close()
		var tokensIn, tokensOut int
		for {
			resp, err := iter.Next()
			if err != nil {
				break
			}
			if resp.UsageMetadata != nil {
				tokensIn = int(resp.UsageMetadata.PromptTokenCount)
				tokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			text := extractText(resp.Candidates[0])
			if text == "" {
				continue
			}
			select {
			case out <- llm.Chunk{Delta: text}:
			case <-ctx.Done():
				return
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

func convertHistory(messages []llm.Message) []*genai.Content {
	if len(messages) <= 1 {
		return nil
	}
	out := make([]*genai.Content, 0, len(messages)-1)
	for _, m := range messages[:len(messages)-1] {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return out
}

func lastUserTurn(messages []llm.Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}

func extractText(candidate *genai.Candidate) string {
	if candidate.Content == nil {
		return ""
	}
	var text string
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	return text
}

func safetyBlockReason(resp *genai.GenerateContentResponse) string {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != 0 {
		return resp.PromptFeedback.BlockReason.String()
	}
	return ""
}

// translate maps an SDK/transport error to the engine's error-kind
// taxonomy (§7).
func translate(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.LLMTimeout, "google: deadline exceeded", err)
	}
	return apperr.Wrap(apperr.LLMAPIError, "google: request failed", err)
}
