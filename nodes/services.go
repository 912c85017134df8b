// Package nodes implements the concrete C4 node handlers: Start, End,
// Answer, LLM, KnowledgeRetrieval, IfElse, QuestionClassifier, Assigner,
// TavilySearch, HttpRequest, Code, and TemplateTransform. Each handler
// implements node.Handler and is wired, at process startup, against one
// Services value — the "lazily-initialized service handles" §4.4 describes
// (LLM client, vector store, embedding service, cache, rate limiter, HTTP
// client) — rather than holding any per-run state of its own. Per-run state
// (the VariablePool, run/session identifiers, a streaming sink) is threaded
// through ctx by the executor, per node.WithPool/WithRunInfo/WithStream.
package nodes

import (
	"net/http"

	"github.com/kasmira-labs/chatflow/cache"
	"github.com/kasmira-labs/chatflow/embedding"
	"github.com/kasmira-labs/chatflow/llm"
	"github.com/kasmira-labs/chatflow/resilience"
	"github.com/kasmira-labs/chatflow/vectorstore"
)

// Services bundles the process-lifetime collaborators the LLM,
// KnowledgeRetrieval, QuestionClassifier, TavilySearch, and HttpRequest
// handlers close over. Built once by internal/wiring's Build and passed to
// Register.
type Services struct {
	LLM       llm.Client
	Embedding *embedding.Service
	Vectors   vectorstore.Store
	Cache     *cache.Cache
	Limiter   *resilience.RateLimiter

	HTTPClient *http.Client

	TavilyAPIKey  string
	TavilyBaseURL string
}

// httpClient returns s.HTTPClient, falling back to http.DefaultClient so
// callers never need a nil check.
func (s *Services) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}
