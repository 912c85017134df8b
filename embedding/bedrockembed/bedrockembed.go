// Package bedrockembed implements embedding.Provider against AWS Bedrock's
// Titan Embeddings model, grounded on llm/bedrock's RuntimeClient
// interface-wrap + NewFromRegion convenience-constructor pattern, adapted
// from Converse/ConverseStream to InvokeModel since Titan Embeddings has
// no Converse support.
package bedrockembed

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/kasmira-labs/chatflow/apperr"
)

// RuntimeClient is the subset of *bedrockruntime.Client this provider
// needs, matching llm/bedrock's RuntimeClient interface-wrap for
// testability.
type RuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements embedding.Provider against a Titan Embeddings model.
type Provider struct {
	runtime    RuntimeClient
	model      string
	dimensions int
}

// New wraps an already-configured Bedrock runtime client.
func New(runtime RuntimeClient, model string, dimensions int) *Provider {
	return &Provider{runtime: runtime, model: model, dimensions: dimensions}
}

// NewFromRegion builds a Provider using the default AWS credential chain
// for the given region, mirroring bedrock.NewFromRegion.
func NewFromRegion(ctx context.Context, region, model string, dimensions int) (*Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperr.Wrap(apperr.LLMAuth, "bedrockembed: failed to load AWS config", err)
	}
	return New(bedrockruntime.NewFromConfig(cfg), model, dimensions), nil
}

type titanRequest struct {
	InputText    string `json:"inputText"`
	Dimensions   int    `json:"dimensions,omitempty"`
	Normalize    bool   `json:"normalize"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// Dimensions implements embedding.Provider.
func (p *Provider) Dimensions() int { return p.dimensions }

// EmbedQuery implements embedding.Provider.
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return p.embedOne(ctx, text)
}

// EmbedDocuments implements embedding.Provider. Titan Embeddings has no
// batch endpoint, so each text is invoked individually; embedding.Service
// is responsible for any concurrency/rate-limiting around this call.
func (p *Provider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *Provider) embedOne(ctx context.Context, text string) ([]float32, error) {
	if p.runtime == nil {
		return nil, apperr.New(apperr.LLMAuth, "bedrockembed: no runtime client configured")
	}

	body, err := json.Marshal(titanRequest{InputText: text, Dimensions: p.dimensions, Normalize: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.VectorStoreError, "bedrockembed: marshal request", err)
	}

	out, err := p.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.VectorStoreError, "bedrockembed: invoke model", err)
	}

	var resp titanResponse
	if err := json.NewDecoder(bytes.NewReader(out.Body)).Decode(&resp); err != nil {
		return nil, apperr.Wrap(apperr.VectorStoreError, "bedrockembed: decode response", err)
	}
	return resp.Embedding, nil
}
