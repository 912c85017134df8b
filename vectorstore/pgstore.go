package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasmira-labs/chatflow/apperr"
)

// PGStore is a Postgres/pgvector-backed Store targeting the §6.4
// document_embeddings schema (vector column of configured dimension, cosine
// HNSW index). Collections are modeled as a text column rather than
// separate tables so one pool serves every bot's knowledge base.
type PGStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewPGStore connects to Postgres via dsn and ensures the document_embeddings
// table (with a pgvector "vector" column of width dims) and its HNSW cosine
// index exist. Requires the pgvector extension to already be installed in
// the target database (`CREATE EXTENSION IF NOT EXISTS vector`), which this
// constructor issues as its first statement — idempotent if already present.
func NewPGStore(ctx context.Context, dsn string, dims int) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect postgres: %w", err)
	}
	s := &PGStore{pool: pool, dims: dims}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_embeddings (
			id TEXT NOT NULL,
			collection TEXT NOT NULL,
			bot_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			document_id TEXT NOT NULL DEFAULT '',
			chunk_text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS idx_document_embeddings_tenant ON document_embeddings (collection, bot_id, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_document_embeddings_document ON document_embeddings (collection, document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_document_embeddings_hnsw ON document_embeddings USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vectorstore: schema setup: %w", err)
		}
	}
	return nil
}

// Add upserts chunks by (collection, id), per §4.8's idempotent-by-id
// contract.
func (s *PGStore) Add(ctx context.Context, collection string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, ch := range chunks {
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			return apperr.Wrap(apperr.VectorStoreError, "marshal metadata", err)
		}
		botID := metaString(ch, "bot_id")
		userID := metaString(ch, "user_id")
		documentID := metaString(ch, "document_id")
		_, err = tx.Exec(ctx, `
			INSERT INTO document_embeddings (id, collection, bot_id, user_id, document_id, chunk_text, embedding, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (collection, id) DO UPDATE SET
				chunk_text = EXCLUDED.chunk_text,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata,
				updated_at = now()
		`, ch.ID, collection, botID, userID, documentID, ch.Text, vectorLiteral(ch.Embedding), string(meta))
		if err != nil {
			return apperr.Wrap(apperr.VectorStoreError, "upsert chunk "+ch.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "commit transaction", err)
	}
	return nil
}

// Search orders by cosine distance (pgvector's `<=>` operator) ascending,
// i.e. similarity descending, per §4.8.
func (s *PGStore) Search(ctx context.Context, collection string, queryEmbedding []float32, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	clauses := []string{"collection = $1"}
	args := []interface{}{collection}
	if filter.BotID != "" {
		args = append(args, filter.BotID)
		clauses = append(clauses, fmt.Sprintf("bot_id = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		clauses = append(clauses, fmt.Sprintf("document_id = $%d", len(args)))
	}
	args = append(args, vectorLiteral(queryEmbedding))
	embedArg := len(args)
	args = append(args, topK)
	limitArg := len(args)

	query := fmt.Sprintf(`
		SELECT id, chunk_text, metadata, 1 - (embedding <=> $%d) AS score
		FROM document_embeddings
		WHERE %s
		ORDER BY embedding <=> $%d ASC
		LIMIT $%d
	`, embedArg, strings.Join(clauses, " AND "), embedArg, limitArg)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.VectorStoreError, "search query", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var metaRaw []byte
		if err := rows.Scan(&m.ID, &m.Text, &metaRaw, &m.Score); err != nil {
			return nil, apperr.Wrap(apperr.VectorStoreError, "scan match", err)
		}
		_ = json.Unmarshal(metaRaw, &m.Metadata)
		if m.Score < 0 {
			m.Score = 0
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes all chunks for filter.DocumentID within collection.
func (s *PGStore) Delete(ctx context.Context, collection string, filter Filter) error {
	clauses := []string{"collection = $1"}
	args := []interface{}{collection}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		clauses = append(clauses, fmt.Sprintf("document_id = $%d", len(args)))
	}
	if filter.BotID != "" {
		args = append(args, filter.BotID)
		clauses = append(clauses, fmt.Sprintf("bot_id = $%d", len(args)))
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM document_embeddings WHERE "+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "delete chunks", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, collection, id string) (Chunk, bool, error) {
	var ch Chunk
	var metaRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, chunk_text, metadata FROM document_embeddings WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&ch.ID, &ch.Text, &metaRaw)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return Chunk{}, false, nil
		}
		return Chunk{}, false, apperr.Wrap(apperr.VectorStoreError, "get chunk", err)
	}
	_ = json.Unmarshal(metaRaw, &ch.Metadata)
	return ch, true, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral renders a float32 slice in pgvector's text input format
// "[v1,v2,...]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}
