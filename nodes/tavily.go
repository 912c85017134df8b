package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

// withNode stamps nodeID onto err if it is an *apperr.Error, otherwise
// returns err unchanged.
func withNode(err error, nodeID string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.WithNode(nodeID)
	}
	return err
}

type tavilyRequest struct {
	APIKey         string   `json:"api_key"`
	Query          string   `json:"query"`
	Topic          string   `json:"topic,omitempty"`
	SearchDepth    string   `json:"search_depth,omitempty"`
	MaxResults     int      `json:"max_results,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
	TimeRange      string   `json:"time_range,omitempty"`
	IncludeAnswer  bool     `json:"include_answer"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type tavilyResponse struct {
	Answer  string         `json:"answer"`
	Results []tavilyResult `json:"results"`
}

// NewTavilySearch builds the TavilySearch handler (§4.4.9): posts a search
// request to the Tavily API and surfaces its results as context/results/
// answer.
func NewTavilySearch(svc *Services) node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		if svc.TavilyAPIKey == "" {
			return node.Result{}, apperr.New(apperr.LLMAuth, "tavily-search: API key is required").WithNode(n.ID)
		}
		query, _ := in["query"].AsString()
		if query == "" {
			return node.Result{}, apperr.New(apperr.NodeInputUnresolved, "tavily-search: query is required").WithNode(n.ID)
		}

		if svc.Limiter != nil {
			if err := svc.Limiter.Wait(ctx, "tavily"); err != nil {
				return node.Result{}, apperr.Wrap(apperr.LLMRateLimit, "tavily-search: rate limiter wait", err).WithNode(n.ID)
			}
		}

		tReq := tavilyRequest{
			APIKey:         svc.TavilyAPIKey,
			Query:          query,
			Topic:          stringField(n.Config, "topic"),
			SearchDepth:    stringField(n.Config, "search_depth"),
			MaxResults:     configInt(n.Config, "max_results", 5),
			IncludeDomains: stringSliceField(n.Config, "include_domains"),
			ExcludeDomains: stringSliceField(n.Config, "exclude_domains"),
			TimeRange:      stringField(n.Config, "time_range"),
			IncludeAnswer:  true,
		}

		tResp, err := callTavily(ctx, svc, tReq)
		if err != nil {
			return node.Result{}, withNode(err, n.ID)
		}

		var contextText strings.Builder
		results := make([]pool.Value, 0, len(tResp.Results))
		for i, r := range tResp.Results {
			if i > 0 {
				contextText.WriteString("\n\n")
			}
			contextText.WriteString(r.Content)
			results = append(results, pool.Map(map[string]pool.Value{
				"title":   pool.String(r.Title),
				"url":     pool.String(r.URL),
				"content": pool.String(r.Content),
				"score":   pool.Number(r.Score),
			}))
		}

		outputs := map[string]pool.Value{
			"context": pool.String(contextText.String()),
			"results": pool.List(results),
		}
		if tResp.Answer != "" {
			outputs["answer"] = pool.String(tResp.Answer)
		}
		return node.Result{Outputs: outputs}, nil
	})
}

// callTavily posts req to svc.TavilyBaseURL+"/search", classifying the
// response per §4.4.9's status-code table (401 -> auth, 429/432 -> rate
// limit, other 4xx/5xx -> API error, undecodable body -> invalid response).
func callTavily(ctx context.Context, svc *Services, tReq tavilyRequest) (tavilyResponse, error) {
	base := svc.TavilyBaseURL
	if base == "" {
		base = "https://api.tavily.com"
	}

	payload, err := json.Marshal(tReq)
	if err != nil {
		return tavilyResponse{}, apperr.Wrap(apperr.ValidationFailed, "tavily-search: encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/search", bytes.NewReader(payload))
	if err != nil {
		return tavilyResponse{}, apperr.Wrap(apperr.ValidationFailed, "tavily-search: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := svc.httpClient().Do(httpReq)
	if err != nil {
		return tavilyResponse{}, apperr.Wrap(apperr.LLMAPIError, "tavily-search: execute", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tavilyResponse{}, apperr.Wrap(apperr.LLMAPIError, "tavily-search: read response body", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return tavilyResponse{}, apperr.New(apperr.LLMAuth, "tavily-search: unauthorized")
	case http.StatusTooManyRequests, 432:
		return tavilyResponse{}, apperr.New(apperr.LLMRateLimit, "tavily-search: rate limited")
	}
	if resp.StatusCode >= 400 {
		return tavilyResponse{}, apperr.New(apperr.LLMAPIError, "tavily-search: status "+resp.Status)
	}

	var tResp tavilyResponse
	if err := json.Unmarshal(body, &tResp); err != nil {
		return tavilyResponse{}, apperr.Wrap(apperr.LLMInvalidResponse, "tavily-search: decode response", err)
	}
	return tResp, nil
}

// TavilySearchSchema declares TavilySearch's fixed ports.
func TavilySearchSchema(n workflow.Node) workflow.Ports {
	return workflow.Ports{
		Inputs: []workflow.Port{{Name: "query", Type: workflow.PortString, Required: true}},
		Outputs: []workflow.Port{
			{Name: "context", Type: workflow.PortString, Required: true},
			{Name: "results", Type: workflow.PortArray},
			{Name: "answer", Type: workflow.PortString},
		},
	}
}
