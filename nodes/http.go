package nodes

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

// NewHTTPRequest builds the HttpRequest handler (§4.4's http-request node):
// method/url/headers/body in, status_code/headers/body out.
func NewHTTPRequest(svc *Services) node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		urlStr, _ := in["url"].AsString()
		if urlStr == "" {
			return node.Result{}, apperr.New(apperr.NodeInputUnresolved, "http-request: url is required").WithNode(n.ID)
		}

		method := "GET"
		if m, ok := in["method"].AsString(); ok && m != "" {
			method = strings.ToUpper(m)
		}

		var body io.Reader
		if bodyStr, ok := in["body"].AsString(); ok && bodyStr != "" {
			body = bytes.NewBufferString(bodyStr)
		}

		req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.ValidationFailed, "http-request: build request", err).WithNode(n.ID)
		}

		if headers, ok := in["headers"].AsMap(); ok {
			for key, value := range headers {
				req.Header.Set(key, value.String())
			}
		}

		resp, err := svc.httpClient().Do(req)
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.LLMAPIError, "http-request: execute", err).WithNode(n.ID)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.LLMAPIError, "http-request: read response body", err).WithNode(n.ID)
		}

		respHeaders := make(map[string]pool.Value, len(resp.Header))
		for key, values := range resp.Header {
			if len(values) > 0 {
				respHeaders[key] = pool.String(values[0])
			}
		}

		return node.Result{Outputs: map[string]pool.Value{
			"status_code": pool.Number(float64(resp.StatusCode)),
			"headers":     pool.Map(respHeaders),
			"body":        pool.String(string(respBody)),
		}}, nil
	})
}

// HTTPRequestSchema declares HttpRequest's fixed ports.
func HTTPRequestSchema(n workflow.Node) workflow.Ports {
	return workflow.Ports{
		Inputs: []workflow.Port{
			{Name: "url", Type: workflow.PortString, Required: true},
			{Name: "method", Type: workflow.PortString},
			{Name: "headers", Type: workflow.PortObject},
			{Name: "body", Type: workflow.PortString},
		},
		Outputs: []workflow.Port{
			{Name: "status_code", Type: workflow.PortNumber, Required: true},
			{Name: "headers", Type: workflow.PortObject},
			{Name: "body", Type: workflow.PortString, Required: true},
		},
	}
}
