package nodes

import (
	"context"
	"strings"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/vectorstore"
	"github.com/kasmira-labs/chatflow/workflow"
)

// NewKnowledgeRetrieval builds the KnowledgeRetrieval handler (§4.4.5):
// embeds the query via svc.Embedding, searches svc.Vectors scoped to the
// run's bot id (and an optional single document_ids filter), and
// concatenates the top-k chunk texts into context alongside a structured
// retrieved_documents array ordered by descending similarity.
func NewKnowledgeRetrieval(svc *Services) node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		query, _ := in["query"].AsString()
		if query == "" {
			return node.Result{}, apperr.New(apperr.NodeInputUnresolved, "knowledge-retrieval: query is required").WithNode(n.ID)
		}
		if svc.Embedding == nil || svc.Vectors == nil {
			return node.Result{}, apperr.New(apperr.VectorStoreError, "knowledge-retrieval: no embedding/vector store configured").WithNode(n.ID)
		}

		topK := configInt(n.Config, "top_k", 5)
		if topK < 1 {
			topK = 1
		}
		if topK > 20 {
			topK = 20
		}

		info, _ := node.RunInfoFrom(ctx)
		filter := vectorstore.Filter{BotID: info.BotID}
		if docIDs := stringSliceField(n.Config, "document_ids"); len(docIDs) == 1 {
			filter.DocumentID = docIDs[0]
		}

		queryEmbedding, err := svc.Embedding.EmbedQuery(ctx, query)
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.VectorStoreError, "knowledge-retrieval: embed query", err).WithNode(n.ID)
		}

		matches, err := svc.Vectors.Search(ctx, info.BotID, queryEmbedding, topK, filter)
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.VectorStoreError, "knowledge-retrieval: search", err).WithNode(n.ID)
		}

		var contextText strings.Builder
		docs := make([]pool.Value, 0, len(matches))
		for i, m := range matches {
			if i > 0 {
				contextText.WriteString("\n\n")
			}
			contextText.WriteString(m.Text)
			docs = append(docs, pool.Map(map[string]pool.Value{
				"content":  pool.String(m.Text),
				"metadata": pool.FromAny(m.Metadata),
				"score":    pool.Number(m.Score),
			}))
		}

		return node.Result{Outputs: map[string]pool.Value{
			"context":             pool.String(contextText.String()),
			"retrieved_documents": pool.List(docs),
		}}, nil
	})
}

// KnowledgeRetrievalSchema declares KnowledgeRetrieval's fixed ports.
func KnowledgeRetrievalSchema(n workflow.Node) workflow.Ports {
	return workflow.Ports{
		Inputs: []workflow.Port{{Name: "query", Type: workflow.PortString, Required: true}},
		Outputs: []workflow.Port{
			{Name: "context", Type: workflow.PortString, Required: true},
			{Name: "retrieved_documents", Type: workflow.PortArray},
		},
	}
}
