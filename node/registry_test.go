package node

import (
	"context"
	"testing"

	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSchema(workflow.Node) workflow.Ports {
	return workflow.Ports{Outputs: []workflow.Port{{Name: "text", Type: workflow.PortString}}}
}

func TestRegistry_RegisterLookupSeal(t *testing.T) {
	r := NewRegistry()
	r.Register(workflow.NodeAnswer, echoSchema, HandlerFunc(func(ctx context.Context, n workflow.Node, in Inputs) (Result, error) {
		return Result{Outputs: map[string]pool.Value{"text": in["text"]}}, nil
	}))
	r.Seal()

	assert.True(t, r.Known(workflow.NodeAnswer))
	assert.False(t, r.Known(workflow.NodeLLM))

	h, ok := r.Lookup(workflow.NodeAnswer)
	require.True(t, ok)
	res, err := h.Run(context.Background(), workflow.Node{ID: "a-1", Type: workflow.NodeAnswer}, Inputs{"text": pool.String("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Outputs["text"].String())

	ports, ok := r.Schema(workflow.Node{ID: "a-1", Type: workflow.NodeAnswer})
	require.True(t, ok)
	assert.Equal(t, "text", ports.Outputs[0].Name)

	assert.Equal(t, "query", r.DefaultPort("start"))
	assert.Equal(t, "", r.DefaultPort("assigner"))
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	r.Register(workflow.NodeAnswer, echoSchema, HandlerFunc(func(context.Context, workflow.Node, Inputs) (Result, error) {
		return Result{}, nil
	}))
	assert.Panics(t, func() {
		r.Register(workflow.NodeAnswer, echoSchema, HandlerFunc(func(context.Context, workflow.Node, Inputs) (Result, error) {
			return Result{}, nil
		}))
	})
}

func TestRegistry_RegisterAfterSealPanics(t *testing.T) {
	r := NewRegistry().Seal()
	assert.Panics(t, func() {
		r.Register(workflow.NodeEnd, echoSchema, HandlerFunc(func(context.Context, workflow.Node, Inputs) (Result, error) {
			return Result{}, nil
		}))
	})
}
