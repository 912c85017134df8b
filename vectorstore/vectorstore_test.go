package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AddSearchIsIdempotentAndOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	chunks := []Chunk{
		{ID: ChunkID("doc-1", 0), Embedding: []float32{1, 0, 0}, Text: "a", Metadata: map[string]interface{}{"document_id": "doc-1", "bot_id": "bot-1"}},
		{ID: ChunkID("doc-1", 1), Embedding: []float32{0, 1, 0}, Text: "b", Metadata: map[string]interface{}{"document_id": "doc-1", "bot_id": "bot-1"}},
	}
	require.NoError(t, store.Add(ctx, "coll", chunks))
	require.NoError(t, store.Add(ctx, "coll", chunks)) // re-add: idempotent upsert

	matches, err := store.Search(ctx, "coll", []float32{1, 0, 0}, 1, Filter{BotID: "bot-1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, chunks[0].ID, matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 0.001)
}

func TestMemoryStore_SearchEmptyCollectionReturnsEmpty(t *testing.T) {
	store := NewMemoryStore()
	matches, err := store.Search(context.Background(), "missing", []float32{1, 2, 3}, 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryStore_DeleteByDocument(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chunk := Chunk{ID: ChunkID("doc-1", 0), Embedding: []float32{1, 0}, Text: "a", Metadata: map[string]interface{}{"document_id": "doc-1"}}
	require.NoError(t, store.Add(ctx, "coll", []Chunk{chunk}))

	require.NoError(t, store.Delete(ctx, "coll", Filter{DocumentID: "doc-1"}))
	_, ok, err := store.Get(ctx, "coll", chunk.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCosineSimilarity_IdenticalVectorsScoreOne(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 0.0001)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}))
}
