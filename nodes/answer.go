package nodes

import (
	"context"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/tmpl"
	"github.com/kasmira-labs/chatflow/workflow"
)

// NewAnswer builds the Answer handler (§4.4.3): renders config["template"]
// against the run's VariablePool (layered with this node's own resolved
// inputs via "self.*") and writes the result to final_output.
//
// §4.4.3 also describes streaming passthrough for a trivial "{{ x }}"
// template whose x is produced by a streaming node. Because the executor's
// execution model is strictly sequential (§5: "no cross-node concurrency
// within a single run"), x has always finished — and already forwarded its
// own tokens to the caller's stream sink during its own execution — by the
// time Answer runs, so Answer itself never needs to re-stream; it only
// renders the already-settled value. See DESIGN.md for this decision.
func NewAnswer() node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		p, _ := node.PoolFrom(ctx)
		resolver := selfResolver{in: in, pool: p}

		templateStr, _ := n.Config["template"].(string)
		if templateStr == "" {
			return node.Result{}, apperr.New(apperr.ValidationFailed, "answer: template must be non-empty").WithNode(n.ID)
		}

		rendered, err := tmpl.Render(ctx, templateStr, resolver)
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.TemplateRenderFailed, "answer: render template", err).WithNode(n.ID)
		}

		return node.Result{Outputs: map[string]pool.Value{
			"final_output": pool.String(rendered),
		}}, nil
	})
}

// AnswerSchema declares Answer's single output port; its inputs are the
// template's selectors rather than fixed edge ports (§4.4.3).
func AnswerSchema(n workflow.Node) workflow.Ports {
	return workflow.Ports{
		Outputs: []workflow.Port{{Name: "final_output", Type: workflow.PortString, Required: true}},
	}
}
