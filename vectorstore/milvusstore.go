package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/kasmira-labs/chatflow/apperr"
)

// MilvusStore is the alternate VectorStore backend (§2.2 domain stack) for
// deployments that prefer a dedicated vector database over pgvector.
// Collections map 1:1 to Milvus collections, created lazily on first Add.
type MilvusStore struct {
	client client.Client
	dims   int
}

// NewMilvusStore dials a Milvus server at addr. Collections are created
// on demand (ensureCollection, called from Add) rather than eagerly, since one process may
// serve many bots' knowledge bases under distinct collection names.
func NewMilvusStore(ctx context.Context, addr string, dims int) (*MilvusStore, error) {
	c, err := client.NewClient(ctx, client.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect milvus: %w", err)
	}
	return &MilvusStore{client: c, dims: dims}, nil
}

const (
	fieldID        = "id"
	fieldEmbedding = "embedding"
	fieldText      = "chunk_text"
	fieldBotID     = "bot_id"
	fieldUserID    = "user_id"
	fieldDocID     = "document_id"
	fieldMetadata  = "metadata"
)

// ensureCollection creates name if it does not already exist, with the
// field layout Add/Search/Delete rely on, plus an HNSW cosine index on the
// embedding field.
func (m *MilvusStore) ensureCollection(ctx context.Context, name string) error {
	has, err := m.client.HasCollection(ctx, name)
	if err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "check collection existence", err)
	}
	if has {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: name,
		Fields: []*entity.Field{
			{Name: fieldID, DataType: entity.FieldTypeVarChar, PrimaryKey: true, TypeParams: map[string]string{"max_length": "256"}},
			{Name: fieldEmbedding, DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": fmt.Sprintf("%d", m.dims)}},
			{Name: fieldText, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "65535"}},
			{Name: fieldBotID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "128"}},
			{Name: fieldUserID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "128"}},
			{Name: fieldDocID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "128"}},
			{Name: fieldMetadata, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "65535"}},
		},
	}
	if err := m.client.CreateCollection(ctx, schema, 2); err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "create collection", err)
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
	if err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "build hnsw index spec", err)
	}
	if err := m.client.CreateIndex(ctx, name, fieldEmbedding, idx, false); err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "create hnsw index", err)
	}
	return nil
}

func (m *MilvusStore) Add(ctx context.Context, collection string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := m.ensureCollection(ctx, collection); err != nil {
		return err
	}

	ids := make([]string, len(chunks))
	vecs := make([][]float32, len(chunks))
	texts := make([]string, len(chunks))
	botIDs := make([]string, len(chunks))
	userIDs := make([]string, len(chunks))
	docIDs := make([]string, len(chunks))
	metas := make([]string, len(chunks))

	for i, ch := range chunks {
		ids[i] = ch.ID
		vecs[i] = ch.Embedding
		texts[i] = ch.Text
		botIDs[i] = metaString(ch, "bot_id")
		userIDs[i] = metaString(ch, "user_id")
		docIDs[i] = metaString(ch, "document_id")
		raw, _ := json.Marshal(ch.Metadata)
		metas[i] = string(raw)
	}

	// Milvus upserts by primary key when Upsert is available; delete-then-
	// insert keeps this portable across SDK versions that only expose Insert.
	_ = m.client.DeleteByPks(ctx, collection, "", entity.NewColumnVarChar(fieldID, ids))

	_, err := m.client.Insert(ctx, collection, "",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, m.dims, vecs),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldBotID, botIDs),
		entity.NewColumnVarChar(fieldUserID, userIDs),
		entity.NewColumnVarChar(fieldDocID, docIDs),
		entity.NewColumnVarChar(fieldMetadata, metas),
	)
	if err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "insert chunks", err)
	}
	return m.client.Flush(ctx, collection, false)
}

func (m *MilvusStore) Search(ctx context.Context, collection string, queryEmbedding []float32, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	has, err := m.client.HasCollection(ctx, collection)
	if err != nil {
		return nil, apperr.Wrap(apperr.VectorStoreError, "check collection existence", err)
	}
	if !has {
		return nil, nil
	}
	if err := m.client.LoadCollection(ctx, collection, false); err != nil {
		return nil, apperr.Wrap(apperr.VectorStoreError, "load collection", err)
	}

	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, apperr.Wrap(apperr.VectorStoreError, "build search param", err)
	}

	results, err := m.client.Search(ctx, collection, nil, filterExpr(filter), []string{fieldText, fieldMetadata},
		[]entity.Vector{entity.FloatVector(queryEmbedding)}, fieldEmbedding, entity.COSINE, topK, sp)
	if err != nil {
		return nil, apperr.Wrap(apperr.VectorStoreError, "search", err)
	}

	var out []Match
	for _, r := range results {
		for i := 0; i < r.ResultCount; i++ {
			id, _ := r.IDs.GetAsString(i)
			text := columnString(r.Fields, fieldText, i)
			metaRaw := columnString(r.Fields, fieldMetadata, i)
			var meta map[string]interface{}
			_ = json.Unmarshal([]byte(metaRaw), &meta)
			out = append(out, Match{ID: id, Text: text, Metadata: meta, Score: float64(r.Scores[i])})
		}
	}
	return out, nil
}

func columnString(fields []entity.Column, name string, idx int) string {
	for _, f := range fields {
		if f.Name() != name {
			continue
		}
		if col, ok := f.(*entity.ColumnVarChar); ok {
			v, err := col.ValueByIdx(idx)
			if err == nil {
				return v
			}
		}
	}
	return ""
}

func filterExpr(f Filter) string {
	expr := ""
	add := func(clause string) {
		if expr != "" {
			expr += " && "
		}
		expr += clause
	}
	if f.BotID != "" {
		add(fmt.Sprintf("%s == %q", fieldBotID, f.BotID))
	}
	if f.UserID != "" {
		add(fmt.Sprintf("%s == %q", fieldUserID, f.UserID))
	}
	if f.DocumentID != "" {
		add(fmt.Sprintf("%s == %q", fieldDocID, f.DocumentID))
	}
	return expr
}

func (m *MilvusStore) Delete(ctx context.Context, collection string, filter Filter) error {
	has, err := m.client.HasCollection(ctx, collection)
	if err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "check collection existence", err)
	}
	if !has {
		return nil
	}
	expr := filterExpr(filter)
	if expr == "" {
		return apperr.New(apperr.VectorStoreError, "delete requires at least one filter")
	}
	if err := m.client.Delete(ctx, collection, "", expr); err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "delete chunks", err)
	}
	return nil
}

func (m *MilvusStore) Get(ctx context.Context, collection, id string) (Chunk, bool, error) {
	has, err := m.client.HasCollection(ctx, collection)
	if err != nil {
		return Chunk{}, false, apperr.Wrap(apperr.VectorStoreError, "check collection existence", err)
	}
	if !has {
		return Chunk{}, false, nil
	}
	if err := m.client.LoadCollection(ctx, collection, false); err != nil {
		return Chunk{}, false, apperr.Wrap(apperr.VectorStoreError, "load collection", err)
	}
	res, err := m.client.QueryByPks(ctx, collection, "", entity.NewColumnVarChar(fieldID, []string{id}),
		[]string{fieldText, fieldMetadata})
	if err != nil {
		return Chunk{}, false, apperr.Wrap(apperr.VectorStoreError, "query by pk", err)
	}
	if len(res) == 0 {
		return Chunk{}, false, nil
	}
	text := columnString(res, fieldText, 0)
	metaRaw := columnString(res, fieldMetadata, 0)
	var meta map[string]interface{}
	_ = json.Unmarshal([]byte(metaRaw), &meta)
	return Chunk{ID: id, Text: text, Metadata: meta}, true, nil
}

func (m *MilvusStore) Close() error {
	return m.client.Close()
}
