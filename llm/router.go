package llm

import (
	"context"

	"github.com/kasmira-labs/chatflow/apperr"
)

// Router implements Client by dispatching each request to the provider
// named by Request.Provider, falling back to Default when Provider is
// empty. The LLM node handler is built against Client, not Router, so
// tests can swap in a single fake provider without touching Router.
type Router struct {
	providers map[string]Client
	Default   string
}

// NewRouter returns a Router with no providers registered.
func NewRouter() *Router {
	return &Router{providers: make(map[string]Client)}
}

// Register adds a provider under name (e.g. "anthropic", "openai",
// "google", "bedrock"). The first registered provider becomes Default.
func (r *Router) Register(name string, client Client) *Router {
	r.providers[name] = client
	if r.Default == "" {
		r.Default = name
	}
	return r
}

func (r *Router) resolve(provider string) (Client, error) {
	if provider == "" {
		provider = r.Default
	}
	c, ok := r.providers[provider]
	if !ok {
		return nil, apperr.New(apperr.LLMInvalidResponse, "llm: no provider registered for \""+provider+"\"")
	}
	return c, nil
}

// Generate implements Client.
func (r *Router) Generate(ctx context.Context, req Request) (Response, error) {
	c, err := r.resolve(req.Provider)
	if err != nil {
		return Response{}, err
	}
	return c.Generate(ctx, req)
}

// GenerateStream implements Client.
func (r *Router) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	c, err := r.resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	return c.GenerateStream(ctx, req)
}
