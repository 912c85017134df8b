package nodes

import (
	"context"

	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/workflow"
)

// NewEnd builds the End handler (§4.4.2): has no outputs of its own. The
// executor determines final_response by reading the resolved "response"
// input it already holds for this node before dispatch — End's Run exists
// only so the node participates uniformly in execution-order walking and
// NodeExecution recording.
func NewEnd() node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		return node.Result{}, nil
	})
}

// EndSchema declares End's single required input port.
func EndSchema(n workflow.Node) workflow.Ports {
	return workflow.Ports{
		Inputs: []workflow.Port{{Name: "response", Type: workflow.PortString, Required: true}},
	}
}
