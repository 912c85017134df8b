package nodes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

func TestTavilySearch_ReturnsContextAndResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "weather today", req.Query)

		json.NewEncoder(w).Encode(tavilyResponse{
			Answer: "It is sunny.",
			Results: []tavilyResult{
				{Title: "Weather", URL: "https://example.com", Content: "Sunny all day.", Score: 0.9},
			},
		})
	}))
	defer srv.Close()

	svc := &Services{TavilyAPIKey: "key-1", TavilyBaseURL: srv.URL}
	n := workflow.Node{ID: "tavily-1", Type: workflow.NodeTavilySearch}
	in := node.Inputs{"query": pool.String("weather today")}

	res, err := NewTavilySearch(svc).Run(context.Background(), n, in)
	require.NoError(t, err)

	answer, _ := res.Outputs["answer"].AsString()
	assert.Equal(t, "It is sunny.", answer)
	results, _ := res.Outputs["results"].AsList()
	assert.Len(t, results, 1)
}

func TestTavilySearch_RequiresAPIKey(t *testing.T) {
	svc := &Services{}
	n := workflow.Node{ID: "tavily-1", Type: workflow.NodeTavilySearch}
	in := node.Inputs{"query": pool.String("x")}
	_, err := NewTavilySearch(svc).Run(context.Background(), n, in)
	assert.Error(t, err)
}
