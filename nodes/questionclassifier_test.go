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

func TestQuestionClassifier_BranchesToMatchedClass(t *testing.T) {
	svc := &Services{LLM: &fakeLLMClient{text: "billing"}}
	n := workflow.Node{ID: "qc-1", Type: workflow.NodeQuestionClassifier, Config: map[string]interface{}{
		"query_template": "{{ self.query }}",
		"classes": []interface{}{
			map[string]interface{}{"id": "billing", "name": "Billing"},
			map[string]interface{}{"id": "support", "name": "Support"},
		},
	}}
	in := node.Inputs{"query": pool.String("I was overcharged")}

	res, err := NewQuestionClassifier(svc).Run(context.Background(), n, in)
	require.NoError(t, err)
	assert.Equal(t, "class_billing_branch", res.Branch)
}

func TestQuestionClassifier_UnparseableDefaultsToFirstClass(t *testing.T) {
	svc := &Services{LLM: &fakeLLMClient{text: "I'm not sure what to say"}}
	n := workflow.Node{ID: "qc-1", Type: workflow.NodeQuestionClassifier, Config: map[string]interface{}{
		"query_template": "{{ self.query }}",
		"classes": []interface{}{
			map[string]interface{}{"id": "general"},
			map[string]interface{}{"id": "support"},
		},
	}}
	in := node.Inputs{"query": pool.String("hmm")}

	res, err := NewQuestionClassifier(svc).Run(context.Background(), n, in)
	require.NoError(t, err)
	assert.Equal(t, "class_general_branch", res.Branch)
}
