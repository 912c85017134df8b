package nodes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

func TestHTTPRequest_ExecutesAndMapsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	svc := &Services{}
	n := workflow.Node{ID: "http-1", Type: workflow.NodeHTTPRequest}
	in := node.Inputs{
		"url":    pool.String(srv.URL),
		"method": pool.String("post"),
		"headers": pool.Map(map[string]pool.Value{
			"Authorization": pool.String("Bearer abc"),
		}),
	}

	res, err := NewHTTPRequest(svc).Run(context.Background(), n, in)
	require.NoError(t, err)

	status, _ := res.Outputs["status_code"].AsNumber()
	assert.Equal(t, float64(http.StatusCreated), status)
	body, _ := res.Outputs["body"].AsString()
	assert.Equal(t, "ok", body)
}

func TestHTTPRequest_RequiresURL(t *testing.T) {
	svc := &Services{}
	n := workflow.Node{ID: "http-1", Type: workflow.NodeHTTPRequest}
	_, err := NewHTTPRequest(svc).Run(context.Background(), n, nil)
	assert.Error(t, err)
}
