package nodes

import (
	"context"

	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

// NewStart builds the Start handler (§4.4.1): the graph's sole zero-input
// node, always first in execution order. It emits the run's bootstrapped
// sys.user_message and session id onto its two output ports.
func NewStart() node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		p, _ := node.PoolFrom(ctx)
		info, _ := node.RunInfoFrom(ctx)

		var query pool.Value
		if p != nil {
			query, _ = p.GetSystem("user_message")
		}

		return node.Result{Outputs: map[string]pool.Value{
			"query":      query,
			"session_id": pool.String(info.SessionID),
		}}, nil
	})
}

// StartSchema declares Start's fixed output ports.
func StartSchema(n workflow.Node) workflow.Ports {
	return workflow.Ports{
		Outputs: []workflow.Port{
			{Name: "query", Type: workflow.PortString, Required: true},
			{Name: "session_id", Type: workflow.PortString, Required: true},
		},
	}
}
