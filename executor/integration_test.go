package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasmira-labs/chatflow/embedding"
	"github.com/kasmira-labs/chatflow/emit"
	"github.com/kasmira-labs/chatflow/llm"
	"github.com/kasmira-labs/chatflow/nodes"
	"github.com/kasmira-labs/chatflow/resilience"
	"github.com/kasmira-labs/chatflow/vectorstore"
	"github.com/kasmira-labs/chatflow/workflow"
)

// fakeVectorProvider is an embedding.Provider double that hands back a
// fixed vector per input text, independent of any hash — unlike
// embedding.MockProvider, which intentionally carries no semantic
// similarity between distinct strings (see its own doc comment), this lets
// a test assert a retrieval score deterministically.
type fakeVectorProvider struct {
	dims     int
	vectors  map[string][]float32
	fallback []float32
}

func (f *fakeVectorProvider) Dimensions() int { return f.dims }

func (f *fakeVectorProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.fallback, nil
}

func (f *fakeVectorProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := f.EmbedQuery(ctx, t)
		out[i] = v
	}
	return out, nil
}

// TestIntegration_S1_MinimalPipelineWithKnowledgeRetrieval exercises §8.2 S1:
// start -> knowledge-retrieval(top_k=2) -> llm -> answer -> end, seeded with
// two document chunks whose embeddings exactly match the query embedding
// (score 1.0), asserting the retrieval, node-count, and usage properties.
func TestIntegration_S1_MinimalPipelineWithKnowledgeRetrieval(t *testing.T) {
	queryVec := []float32{1, 0, 0, 0}
	provider := &fakeVectorProvider{
		dims: 4,
		vectors: map[string][]float32{
			"경복궁 관람 시간은 언제인가요?": queryVec,
		},
		fallback: []float32{0, 1, 0, 0},
	}
	embed := embedding.New(provider, nil, nil, embedding.Options{})

	vectors := vectorstore.NewMemoryStore()
	chunkMeta := map[string]interface{}{"bot_id": "bot-1", "document_id": "doc-1"}
	require.NoError(t, vectors.Add(context.Background(), "bot-1", []vectorstore.Chunk{
		{ID: "doc-1_chunk_0", Embedding: queryVec, Text: "경복궁은 오전 9시부터 오후 6시까지 관람할 수 있습니다.", Metadata: chunkMeta},
		{ID: "doc-1_chunk_1", Embedding: queryVec, Text: "매주 화요일은 휴궁일입니다.", Metadata: chunkMeta},
	}))

	svc := &nodes.Services{
		LLM:       &fakeLLMClient{text: "관람 시간은 오전 9시부터입니다.", usage: llm.Usage{TokensIn: 12, TokensOut: 6}},
		Embedding: embed,
		Vectors:   vectors,
	}
	reg := nodes.Register(svc)
	st := newFakeStore()
	ex := New(reg, st, emit.NewNullEmitter(), Options{})

	graph := &workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "retrieve", Type: workflow.NodeKnowledgeRetrieval,
				Config:           map[string]interface{}{"top_k": 2},
				VariableMappings: map[string]string{"query": "start.query"}},
			{ID: "llm", Type: workflow.NodeLLM, Config: map[string]interface{}{
				"prompt_template": "{{ self.query }}\n\n{{ self.context }}",
			}, VariableMappings: map[string]string{"query": "start.query", "context": "retrieve.context"}},
			{ID: "answer", Type: workflow.NodeAnswer, Config: map[string]interface{}{
				"template": "{{ self.response }}",
			}, VariableMappings: map[string]string{"response": "llm.response"}},
			{ID: "end", Type: workflow.NodeEnd, VariableMappings: map[string]string{"response": "answer.final_output"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "start", SourcePort: "query", Target: "retrieve"},
			{ID: "e2", Source: "retrieve", Target: "llm", TargetPort: "context"},
			{ID: "e3", Source: "llm", Target: "answer", TargetPort: "response"},
			{ID: "e4", Source: "answer", Target: "end"},
		},
	}

	resp := ex.Execute(context.Background(), graph, Request{
		BotID: "bot-1", SessionID: "sess-1", UserMessage: "경복궁 관람 시간은 언제인가요?",
	})
	require.NoError(t, resp.Err)
	assert.Equal(t, workflow.RunSucceeded, resp.Status)
	assert.Equal(t, "관람 시간은 오전 9시부터입니다.", resp.FinalResponse)
	assert.Equal(t, 18, resp.TotalTokens)

	execs, err := st.ListNodeExecutions(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Len(t, execs, 5, "start, retrieve, llm, answer, end should each record once")

	var retrieveExec *workflow.NodeExecution
	for i := range execs {
		if execs[i].NodeID == "retrieve" {
			retrieveExec = &execs[i]
		}
	}
	require.NotNil(t, retrieveExec)
	docs, ok := retrieveExec.Outputs["retrieved_documents"]
	require.True(t, ok)
	assert.Contains(t, docs, "score")
}

// TestIntegration_S2_PortMappedDataFlow exercises §8.2 S2: a graph whose
// edges carry no implicit port resolution — every input is wired solely
// through an explicit VariableMappings entry — and asserts the pool
// resolves the mapped selectors end to end rather than falling back to
// positional edges.
func TestIntegration_S2_PortMappedDataFlow(t *testing.T) {
	svc := &nodes.Services{LLM: &fakeLLMClient{text: "포트 매핑 응답", usage: llm.Usage{TokensIn: 2, TokensOut: 2}}}
	reg := nodes.Register(svc)
	st := newFakeStore()
	ex := New(reg, st, emit.NewNullEmitter(), Options{})

	graph := &workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "llm", Type: workflow.NodeLLM, Config: map[string]interface{}{
				"prompt_template":                     "{{ self.query }}",
				"allow_conversation_context_fallback": true,
			}, VariableMappings: map[string]string{"query": "start.query"}},
			{ID: "answer", Type: workflow.NodeAnswer, Config: map[string]interface{}{
				"template": "{{ self.response }}",
			}, VariableMappings: map[string]string{"response": "llm.response"}},
			{ID: "end", Type: workflow.NodeEnd, VariableMappings: map[string]string{"response": "answer.final_output"}},
		},
		Edges: []workflow.Edge{
			// Every edge below omits the port fields entirely: only the
			// VariableMappings above actually route data, exercising the
			// port-mapped path rather than normalizeEdgePorts' single-port
			// inference.
			{ID: "e1", Source: "start", Target: "llm"},
			{ID: "e2", Source: "llm", Target: "answer", TargetPort: "response"},
			{ID: "e3", Source: "answer", Target: "end"},
		},
	}

	resp := ex.Execute(context.Background(), graph, Request{
		BotID: "bot-1", SessionID: "sess-1", UserMessage: "hi",
	})
	require.NoError(t, resp.Err)
	assert.Equal(t, "포트 매핑 응답", resp.FinalResponse)
}

// TestIntegration_S3_BranchingWithFeedbackLoop exercises §8.2 S3: a graph
// branching on a conversation-scoped variable, with an assigner writing the
// next turn's branch condition. Turn one (no prior conv state) takes the
// "else" branch to end-initial; turn two, sharing the same underlying
// store, observes the conv.feedback_stage written by turn one's assigner
// and takes the "followup" branch to end-followup instead. Exactly one End
// node fires per turn.
func TestIntegration_S3_BranchingWithFeedbackLoop(t *testing.T) {
	svc := &nodes.Services{LLM: &fakeLLMClient{text: "응답", usage: llm.Usage{TokensIn: 1, TokensOut: 1}}}
	reg := nodes.Register(svc)
	st := newFakeStore()
	ex := New(reg, st, emit.NewNullEmitter(), Options{})

	graph := func() *workflow.Graph {
		return &workflow.Graph{
			EnvironmentVariables: map[string]interface{}{
				"stage_key":   "conv.feedback_stage",
				"stage_value": "followup",
			},
			Nodes: []workflow.Node{
				{ID: "start", Type: workflow.NodeStart},
				{ID: "branch", Type: workflow.NodeIfElse, Config: map[string]interface{}{
					"cases": []interface{}{
						map[string]interface{}{
							"case_id":          "followup",
							"logical_operator": "and",
							"conditions": []interface{}{
								map[string]interface{}{
									"variable_selector":   "conv.feedback_stage",
									"comparison_operator": "=",
									"value":               "followup",
								},
							},
						},
					},
				}},
				{ID: "llm-initial", Type: workflow.NodeLLM, Config: map[string]interface{}{
					"prompt_template": "{{ self.query }}", "allow_conversation_context_fallback": true,
				}, VariableMappings: map[string]string{"query": "start.query"}},
				{ID: "answer-initial", Type: workflow.NodeAnswer, Config: map[string]interface{}{
					"template": "{{ self.response }}",
				}, VariableMappings: map[string]string{"response": "llm-initial.response"}},
				{ID: "assigner-initial", Type: workflow.NodeAssigner, Config: map[string]interface{}{
					"operations": []interface{}{
						map[string]interface{}{"write_mode": "over-write", "input_type": "variable"},
					},
				}, VariableMappings: map[string]string{
					"operation_1_target": "env.stage_key",
					"operation_1_value":  "env.stage_value",
				}},
				{ID: "end-initial", Type: workflow.NodeEnd, VariableMappings: map[string]string{"response": "answer-initial.final_output"}},

				{ID: "llm-followup", Type: workflow.NodeLLM, Config: map[string]interface{}{
					"prompt_template": "{{ self.query }}", "allow_conversation_context_fallback": true,
				}, VariableMappings: map[string]string{"query": "start.query"}},
				{ID: "answer-followup", Type: workflow.NodeAnswer, Config: map[string]interface{}{
					"template": "{{ self.response }}",
				}, VariableMappings: map[string]string{"response": "llm-followup.response"}},
				{ID: "end-followup", Type: workflow.NodeEnd, VariableMappings: map[string]string{"response": "answer-followup.final_output"}},
			},
			Edges: []workflow.Edge{
				{ID: "e1", Source: "start", SourcePort: "query", Target: "branch", TargetPort: "input"},
				{ID: "e2", Source: "branch", SourcePort: "else", Target: "llm-initial"},
				{ID: "e3", Source: "llm-initial", Target: "answer-initial", TargetPort: "response"},
				{ID: "e4", Source: "answer-initial", Target: "assigner-initial", TargetPort: "operation_1_target"},
				{ID: "e5", Source: "assigner-initial", Target: "end-initial"},
				{ID: "e6", Source: "branch", SourcePort: "followup", Target: "llm-followup"},
				{ID: "e7", Source: "llm-followup", Target: "answer-followup", TargetPort: "response"},
				{ID: "e8", Source: "answer-followup", Target: "end-followup"},
			},
		}
	}

	// Turn one: no conv state yet, so the branch falls through to "else".
	resp1 := ex.Execute(context.Background(), graph(), Request{BotID: "bot-1", SessionID: "sess-1", UserMessage: "first"})
	require.NoError(t, resp1.Err)

	execs1, err := st.ListNodeExecutions(context.Background(), resp1.RunID)
	require.NoError(t, err)
	assertExactlyOneEndFired(t, execs1, "end-initial", "end-followup")

	stage, ok, err := st.Get(context.Background(), "bot-1", "sess-1", "feedback_stage")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := stage.AsString()
	assert.Equal(t, "followup", s)

	// Turn two: the assigner from turn one persisted conv.feedback_stage via
	// the shared fakeStore, so this run's branch now takes "followup".
	resp2 := ex.Execute(context.Background(), graph(), Request{BotID: "bot-1", SessionID: "sess-1", UserMessage: "second"})
	require.NoError(t, resp2.Err)

	execs2, err := st.ListNodeExecutions(context.Background(), resp2.RunID)
	require.NoError(t, err)
	assertExactlyOneEndFired(t, execs2, "end-followup", "end-initial")
}

func assertExactlyOneEndFired(t *testing.T, execs []workflow.NodeExecution, wantFired, wantSkipped string) {
	t.Helper()
	var fired, skipped bool
	for _, e := range execs {
		switch e.NodeID {
		case wantFired:
			fired = e.Status == workflow.NodeStatusSucceeded
		case wantSkipped:
			skipped = e.Status == workflow.NodeStatusSkipped
		}
	}
	assert.True(t, fired, "%s should have succeeded", wantFired)
	assert.True(t, skipped, "%s should have been skipped", wantSkipped)
}

// TestIntegration_S4_ValidatorRejectsOrphanTemplateVariable exercises §8.2
// S4 at the executor's entry point: Execute runs Validate itself (step 1),
// so a graph whose answer template references a node outside any edge
// fails before a run record is even created.
func TestIntegration_S4_ValidatorRejectsOrphanTemplateVariable(t *testing.T) {
	svc := &nodes.Services{LLM: &fakeLLMClient{text: "x"}}
	reg := nodes.Register(svc)
	st := newFakeStore()
	ex := New(reg, st, emit.NewNullEmitter(), Options{})

	graph := minimalGraph()
	for i := range graph.Nodes {
		if graph.Nodes[i].ID == "answer" {
			graph.Nodes[i].Config["template"] = "{{ orphan-node.text }}"
		}
	}

	resp := ex.Execute(context.Background(), graph, Request{BotID: "bot-1", SessionID: "sess-1", UserMessage: "hi"})
	require.Error(t, resp.Err)
	assert.Contains(t, resp.Err.Error(), "orphan-node.text")
	assert.Equal(t, workflow.RunFailed, resp.Status)
}

// TestIntegration_S5_MultipleEndsRequireBranchNode exercises §8.2 S5: two
// End nodes with no branch node between start and them fails validation;
// adding an if-else upstream (and routing both branches to one End each)
// makes the same node count validate and execute successfully.
func TestIntegration_S5_MultipleEndsRequireBranchNode(t *testing.T) {
	svc := &nodes.Services{LLM: &fakeLLMClient{text: "ok"}}
	reg := nodes.Register(svc)

	withoutBranch := minimalGraph()
	withoutBranch.Nodes = append(withoutBranch.Nodes, workflow.Node{
		ID: "end-2", Type: workflow.NodeEnd, VariableMappings: map[string]string{"response": "answer.final_output"},
	})
	withoutBranch.Edges = append(withoutBranch.Edges, workflow.Edge{ID: "e4", Source: "answer", Target: "end-2"})

	ex1 := New(reg, newFakeStore(), emit.NewNullEmitter(), Options{})
	resp := ex1.Execute(context.Background(), withoutBranch, Request{BotID: "bot-1", SessionID: "sess-1", UserMessage: "hi"})
	require.Error(t, resp.Err)
	assert.Contains(t, resp.Err.Error(), "multiple_ends_without_branch")

	withBranch := &workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "branch", Type: workflow.NodeIfElse, Config: map[string]interface{}{
				"cases": []interface{}{
					map[string]interface{}{
						"case_id": "a", "logical_operator": "and",
						"conditions": []interface{}{
							map[string]interface{}{"variable_selector": "start.query", "comparison_operator": "is_not_empty"},
						},
					},
				},
			}},
			{ID: "answer-a", Type: workflow.NodeAnswer, Config: map[string]interface{}{"template": "a"}},
			{ID: "answer-b", Type: workflow.NodeAnswer, Config: map[string]interface{}{"template": "b"}},
			{ID: "end-a", Type: workflow.NodeEnd, VariableMappings: map[string]string{"response": "answer-a.final_output"}},
			{ID: "end-b", Type: workflow.NodeEnd, VariableMappings: map[string]string{"response": "answer-b.final_output"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "start", SourcePort: "query", Target: "branch", TargetPort: "input"},
			{ID: "e2", Source: "branch", SourcePort: "a", Target: "answer-a", TargetPort: "ignored"},
			{ID: "e3", Source: "answer-a", Target: "end-a"},
			{ID: "e4", Source: "branch", SourcePort: "else", Target: "answer-b", TargetPort: "ignored"},
			{ID: "e5", Source: "answer-b", Target: "end-b"},
		},
	}

	ex2 := New(reg, newFakeStore(), emit.NewNullEmitter(), Options{})
	resp2 := ex2.Execute(context.Background(), withBranch, Request{BotID: "bot-1", SessionID: "sess-1", UserMessage: "hi"})
	require.NoError(t, resp2.Err)
	assert.Equal(t, workflow.RunSucceeded, resp2.Status)
}

// TestIntegration_S6_CircuitBreakerOpensAfterConsecutiveFailures exercises
// §8.2 S6 against the embedding service directly: a provider that always
// fails trips the breaker after failure_threshold consecutive calls, a
// fourth call is rejected without reaching the provider, and after
// recovery_timeout elapses a successful call closes the breaker again.
func TestIntegration_S6_CircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	failing := &countingProvider{fail: true, dims: 4}
	breaker := resilience.NewCircuitBreaker("embedding-test", 3, 150*time.Millisecond)
	svc := embedding.New(failing, nil, breaker, embedding.Options{Retry: embedding.RetryPolicy{MaxRetries: 0}})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.EmbedQuery(ctx, "x")
		require.Error(t, err)
	}
	assert.Equal(t, 3, failing.calls, "three calls should have reached the provider before the breaker trips")

	_, err := svc.EmbedQuery(ctx, "x")
	require.Error(t, err)
	assert.Equal(t, 3, failing.calls, "the fourth call must be rejected by the open breaker without reaching the provider")

	time.Sleep(200 * time.Millisecond)

	failing.fail = false
	_, err = svc.EmbedQuery(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "closed", breaker.State())
}

type countingProvider struct {
	fail  bool
	dims  int
	calls int
}

func (c *countingProvider) Dimensions() int { return c.dims }

func (c *countingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	if c.fail {
		return nil, assert.AnError
	}
	return make([]float32, c.dims), nil
}

func (c *countingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := c.EmbedQuery(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
