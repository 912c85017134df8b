package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

func ifElseNode(cases []interface{}) workflow.Node {
	return workflow.Node{ID: "if-1", Type: workflow.NodeIfElse, Config: map[string]interface{}{"cases": cases}}
}

func TestIfElse_FirstMatchingCaseWins(t *testing.T) {
	n := ifElseNode([]interface{}{
		map[string]interface{}{
			"case_id":          "case_a",
			"logical_operator": "and",
			"conditions": []interface{}{
				map[string]interface{}{"variable_selector": "self.score", "comparison_operator": ">", "value": "10"},
			},
		},
		map[string]interface{}{
			"case_id":          "case_b",
			"logical_operator": "and",
			"conditions": []interface{}{
				map[string]interface{}{"variable_selector": "self.score", "comparison_operator": ">", "value": "0"},
			},
		},
	})
	in := node.Inputs{"score": pool.Number(5)}

	res, err := NewIfElse().Run(context.Background(), n, in)
	require.NoError(t, err)
	assert.Equal(t, "case_b", res.Branch)
}

func TestIfElse_FallsBackToElse(t *testing.T) {
	n := ifElseNode([]interface{}{
		map[string]interface{}{
			"case_id":          "case_a",
			"logical_operator": "and",
			"conditions": []interface{}{
				map[string]interface{}{"variable_selector": "self.score", "comparison_operator": ">", "value": "100"},
			},
		},
	})
	in := node.Inputs{"score": pool.Number(5)}

	res, err := NewIfElse().Run(context.Background(), n, in)
	require.NoError(t, err)
	assert.Equal(t, "else", res.Branch)
}

func TestIfElse_OrLogicalOperator(t *testing.T) {
	n := ifElseNode([]interface{}{
		map[string]interface{}{
			"case_id":          "case_a",
			"logical_operator": "or",
			"conditions": []interface{}{
				map[string]interface{}{"variable_selector": "self.a", "comparison_operator": "is_empty"},
				map[string]interface{}{"variable_selector": "self.b", "comparison_operator": "=", "value": "yes"},
			},
		},
	})
	in := node.Inputs{"a": pool.String("not-empty"), "b": pool.String("yes")}

	res, err := NewIfElse().Run(context.Background(), n, in)
	require.NoError(t, err)
	assert.Equal(t, "case_a", res.Branch)
}
