package nodes

import (
	"context"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/tmpl"
	"github.com/kasmira-labs/chatflow/workflow"
)

// NewTemplateTransform builds the TemplateTransform handler (the
// template-transform node named in §4.1's NodeType list): renders
// config["template"] against this node's resolved inputs and the
// VariablePool, mirroring Answer but writing to "output" rather than
// final_output and without being eligible as a run's terminal response.
func NewTemplateTransform() node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		p, _ := node.PoolFrom(ctx)
		resolver := selfResolver{in: in, pool: p}

		templateStr, _ := n.Config["template"].(string)
		if templateStr == "" {
			return node.Result{}, apperr.New(apperr.ValidationFailed, "template-transform: template must be non-empty").WithNode(n.ID)
		}

		rendered, err := tmpl.Render(ctx, templateStr, resolver)
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.TemplateRenderFailed, "template-transform: render template", err).WithNode(n.ID)
		}

		return node.Result{Outputs: map[string]pool.Value{
			"output": pool.String(rendered),
		}}, nil
	})
}

// TemplateTransformSchema declares TemplateTransform's single output port.
func TemplateTransformSchema(n workflow.Node) workflow.Ports {
	return workflow.Ports{
		Outputs: []workflow.Port{{Name: "output", Type: workflow.PortString, Required: true}},
	}
}
