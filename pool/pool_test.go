package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memConvStore struct {
	data map[string]Value
}

func newMemConvStore() *memConvStore { return &memConvStore{data: map[string]Value{}} }

func (m *memConvStore) key(bot, sess, k string) string { return bot + "/" + sess + "/" + k }

func (m *memConvStore) Get(_ context.Context, bot, sess, k string) (Value, bool, error) {
	v, ok := m.data[m.key(bot, sess, k)]
	return v, ok, nil
}

func (m *memConvStore) Set(_ context.Context, bot, sess, k string, v Value) error {
	m.data[m.key(bot, sess, k)] = v
	return nil
}

func defaultPortFn(nodeType string) string {
	switch nodeType {
	case "start":
		return "query"
	case "llm":
		return "response"
	default:
		return "output"
	}
}

func TestPool_SystemEnvConversation(t *testing.T) {
	ctx := context.Background()
	store := newMemConvStore()
	p := New("bot-1", "sess-1", store, map[string]Value{"stage": String("")}, defaultPortFn)

	p.SetSystem("user_message", String("hello"))
	v, ok := p.GetSystem("user_message")
	require.True(t, ok)
	assert.Equal(t, "hello", v.String())

	p.SetEnv("api_key", String("secret"))
	v, ok = p.GetEnv("api_key")
	require.True(t, ok)
	assert.Equal(t, "secret", v.String())

	// unwritten conv key falls back to the graph-declared default.
	v, ok = p.GetConversation(ctx, "stage")
	require.True(t, ok)
	assert.Equal(t, "", v.String())

	require.NoError(t, p.SetConversation(ctx, "stage", String("wait_feedback")))
	v, ok = p.GetConversation(ctx, "stage")
	require.True(t, ok)
	assert.Equal(t, "wait_feedback", v.String())

	// a second pool bound to the same session observes the write-through.
	p2 := New("bot-1", "sess-1", store, nil, defaultPortFn)
	v, ok = p2.GetConversation(ctx, "stage")
	require.True(t, ok)
	assert.Equal(t, "wait_feedback", v.String())
}

func TestPool_Resolve(t *testing.T) {
	ctx := context.Background()
	p := New("bot-1", "sess-1", nil, nil, defaultPortFn)

	p.SetSystem("user_message", String("what is Python?"))
	p.SetNodeOutput("start-1", "start", "query", String("what is Python?"))
	p.SetNodeOutput("retrieve-1", "knowledge-retrieval", "retrieved_documents", List([]Value{
		Map(map[string]Value{"content": String("doc one"), "score": Number(0.9)}),
		Map(map[string]Value{"content": String("doc two"), "score": Number(0.8)}),
	}))

	t.Run("reserved scope", func(t *testing.T) {
		v, ok := p.Resolve(ctx, "sys.user_message")
		require.True(t, ok)
		assert.Equal(t, "what is Python?", v.String())
	})

	t.Run("node.port", func(t *testing.T) {
		v, ok := p.Resolve(ctx, "start-1.query")
		require.True(t, ok)
		assert.Equal(t, "what is Python?", v.String())
	})

	t.Run("list index then field", func(t *testing.T) {
		v, ok := p.Resolve(ctx, "retrieve-1.retrieved_documents[0].content")
		// bracket-index form is not part of the selector grammar; dotted
		// index form is, so retrieve it via separate segments instead.
		assert.False(t, ok)
		_ = v
	})

	t.Run("dotted index form", func(t *testing.T) {
		v, ok := p.Resolve(ctx, "retrieve-1.retrieved_documents.0.content")
		require.True(t, ok)
		assert.Equal(t, "doc one", v.String())
	})

	t.Run("out of range index", func(t *testing.T) {
		_, ok := p.Resolve(ctx, "retrieve-1.retrieved_documents.5.content")
		assert.False(t, ok)
	})

	t.Run("bare node id uses default output port", func(t *testing.T) {
		v, ok := p.Resolve(ctx, "start-1")
		require.True(t, ok)
		assert.Equal(t, "what is Python?", v.String())
	})

	t.Run("unresolved selector", func(t *testing.T) {
		_, ok := p.Resolve(ctx, "missing-node.port")
		assert.False(t, ok)
	})
}

func TestPool_HasNodeOutputs(t *testing.T) {
	p := New("bot", "sess", nil, nil, defaultPortFn)
	assert.False(t, p.HasNodeOutputs("n1"))
	p.SetNodeOutput("n1", "assigner", "operation_0_result", String("x"))
	assert.True(t, p.HasNodeOutputs("n1"))
}
