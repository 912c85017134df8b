// Package vectorstore implements the VectorStore (C8): tenant-scoped
// collections of {id, embedding, text, metadata} chunks with cosine-
// similarity top-k search, backed by a pluggable Store interface with two
// concrete backends (PGStore over pgx/v5, MilvusStore over
// milvus-sdk-go/v2).
package vectorstore

import (
	"context"
	"fmt"
	"math"
)

// Chunk is one unit stored in a collection: a document's text chunk plus
// its embedding and free-form metadata (§4.8).
type Chunk struct {
	ID        string
	Embedding []float32
	Text      string
	Metadata  map[string]interface{}
}

// Match is one search result: a Chunk plus its cosine similarity score.
type Match struct {
	ID       string
	Text     string
	Metadata map[string]interface{}
	Score    float64
}

// Filter narrows a search or delete to chunks belonging to one tenant
// and/or one source document.
type Filter struct {
	BotID      string
	UserID     string
	DocumentID string
}

// Store is the VectorStore contract (§4.8). Operations are idempotent by
// chunk id — add() upserts, and re-processing the same document produces
// the same rows (worker idempotency, §8.1).
type Store interface {
	Add(ctx context.Context, collection string, chunks []Chunk) error
	Search(ctx context.Context, collection string, queryEmbedding []float32, topK int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, collection string, filter Filter) error
	Get(ctx context.Context, collection, id string) (Chunk, bool, error)
	Close() error
}

// ChunkID formats the canonical "<document_id>_chunk_<i>" id contract
// (§4.8).
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", documentID, index)
}

// CosineSimilarity returns 1 − cosine_distance, clamped to [0, 1] per
// §4.8's score contract (real text embeddings are overwhelmingly
// non-negative-cosine in practice; the clamp only bites on pathological
// inputs). Vectors of mismatched length or zero magnitude yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if cos < 0 {
		return 0
	}
	if cos > 1 {
		return 1
	}
	return cos
}
