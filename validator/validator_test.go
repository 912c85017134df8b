package validator

import (
	"context"
	"testing"

	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSchema(n workflow.Node) workflow.Ports {
	switch n.Type {
	case workflow.NodeStart:
		return workflow.Ports{Outputs: []workflow.Port{{Name: "query", Type: workflow.PortString, Required: true}}}
	case workflow.NodeEnd:
		return workflow.Ports{Inputs: []workflow.Port{{Name: "response", Type: workflow.PortString, Required: true}}}
	case workflow.NodeAnswer:
		return workflow.Ports{Outputs: []workflow.Port{{Name: "final_output", Type: workflow.PortString, Required: true}}}
	case workflow.NodeLLM:
		return workflow.Ports{
			Inputs:  []workflow.Port{{Name: "query", Type: workflow.PortString, Required: true}},
			Outputs: []workflow.Port{{Name: "response", Type: workflow.PortString, Required: true}},
		}
	case workflow.NodeIfElse:
		return workflow.Ports{Inputs: []workflow.Port{{Name: "input", Type: workflow.PortAny}}}
	}
	return workflow.Ports{}
}

func testRegistry(t *testing.T) *node.Registry {
	t.Helper()
	reg := node.NewRegistry()
	noop := node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		return node.Result{}, nil
	})
	for _, nt := range []workflow.NodeType{
		workflow.NodeStart, workflow.NodeEnd, workflow.NodeAnswer, workflow.NodeLLM, workflow.NodeIfElse,
	} {
		reg.Register(nt, echoSchema, noop)
	}
	reg.Seal()
	return reg
}

func simpleGraph() *workflow.Graph {
	return &workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start-1", Type: workflow.NodeStart},
			{ID: "llm-1", Type: workflow.NodeLLM, Config: map[string]interface{}{"prompt_template": "{{ start-1.query }}"}},
			{ID: "answer-1", Type: workflow.NodeAnswer, Config: map[string]interface{}{"template": "{{ llm-1.response }}"}},
			{ID: "end-1", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "start-1", SourcePort: "query", Target: "llm-1", TargetPort: "query"},
			{ID: "e2", Source: "llm-1", SourcePort: "response", Target: "answer-1", TargetPort: ""},
			{ID: "e3", Source: "answer-1", SourcePort: "final_output", Target: "end-1", TargetPort: "response"},
		},
	}
}

func TestValidate_SimpleGraphPasses(t *testing.T) {
	reg := testRegistry(t)
	g := simpleGraph()
	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.True(t, res.OK, "%+v", res.Errors)
	assert.Empty(t, res.Errors)
}

func TestValidate_MultipleEndsWithoutBranchFails(t *testing.T) {
	reg := testRegistry(t)
	g := simpleGraph()
	g.Nodes = append(g.Nodes, workflow.Node{ID: "end-2", Type: workflow.NodeEnd})
	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.False(t, res.OK)
	found := false
	for _, e := range res.Errors {
		if e.Code == "multiple_ends_without_branch" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_MultipleEndsWithBranchPasses(t *testing.T) {
	reg := testRegistry(t)
	g := simpleGraph()
	g.Nodes = append(g.Nodes, workflow.Node{ID: "if-1", Type: workflow.NodeIfElse}, workflow.Node{ID: "end-2", Type: workflow.NodeEnd})
	res, err := Validate(g, reg)
	require.NoError(t, err)
	for _, e := range res.Errors {
		assert.NotEqual(t, "multiple_ends_without_branch", e.Code)
	}
}

func TestValidate_UncoveredTemplateSelectorFails(t *testing.T) {
	reg := testRegistry(t)
	g := simpleGraph()
	for i := range g.Nodes {
		if g.Nodes[i].ID == "answer-1" {
			g.Nodes[i].Config["template"] = "{{ orphan-node.text }}"
		}
	}
	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.False(t, res.OK)
	found := false
	for _, e := range res.Errors {
		if e.Code == "uncovered_template_selector" {
			found = true
			assert.Equal(t, "orphan-node.text", e.Selector)
		}
	}
	assert.True(t, found)
}

func TestValidate_CycleDetected(t *testing.T) {
	reg := testRegistry(t)
	g := simpleGraph()
	g.Edges = append(g.Edges, workflow.Edge{ID: "back", Source: "answer-1", SourcePort: "final_output", Target: "llm-1", TargetPort: "query"})
	res, err := Validate(g, reg)
	require.NoError(t, err)
	assert.False(t, res.OK)
	found := false
	for _, e := range res.Errors {
		if e.Code == "cycle_detected" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestExecutionOrder_Deterministic(t *testing.T) {
	g := simpleGraph()
	order, err := ExecutionOrder(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"start-1", "llm-1", "answer-1", "end-1"}, order)
}

func TestExecutionOrder_DropsReservedScopeEdges(t *testing.T) {
	g := simpleGraph()
	g.Edges = append(g.Edges, workflow.Edge{ID: "e4", Source: "conv", SourcePort: "feedback_stage", Target: "llm-1", TargetPort: "query"})
	order, err := ExecutionOrder(g)
	require.NoError(t, err)
	assert.Len(t, order, 4)
}
