package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

// SQLiteStore is a single-file SQLite implementation of Store: WAL mode,
// foreign keys and a busy_timeout pragma, auto-migration on open, and a
// mutex-guarded closed flag so operations fail cleanly after Close.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the SQLite database at path —
// a file path, or ":memory:" for an ephemeral store used in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			workflow_version_id TEXT NOT NULL,
			status TEXT NOT NULL,
			user_message TEXT NOT NULL,
			final_response TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			error_node_id TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON workflow_runs(bot_id, session_id)`,
		`CREATE TABLE IF NOT EXISTS node_executions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_type TEXT NOT NULL,
			status TEXT NOT NULL,
			inputs TEXT NOT NULL DEFAULT '{}',
			outputs TEXT NOT NULL DEFAULT '{}',
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			sequence_num INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_exec_run ON node_executions(run_id, sequence_num)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			graph TEXT NOT NULL,
			environment_variables TEXT NOT NULL DEFAULT '{}',
			conversation_variables TEXT NOT NULL DEFAULT '{}',
			features TEXT NOT NULL DEFAULT '{}',
			node_count INTEGER NOT NULL DEFAULT 0,
			edge_count INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			published_at TIMESTAMP NULL,
			is_in_library INTEGER NOT NULL DEFAULT 0,
			UNIQUE(bot_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_bot_status ON workflow_versions(bot_id, status)`,
		`CREATE TABLE IF NOT EXISTS conversation_variables (
			bot_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (bot_id, session_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			collection_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			source_uri TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return nil
}

// Get implements pool.ConversationStore.
func (s *SQLiteStore) Get(ctx context.Context, botID, sessionID, key string) (pool.Value, bool, error) {
	if err := s.checkOpen(); err != nil {
		return pool.Null, false, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM conversation_variables WHERE bot_id = ? AND session_id = ? AND key = ?`,
		botID, sessionID, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return pool.Null, false, nil
	}
	if err != nil {
		return pool.Null, false, err
	}
	var asAny interface{}
	if err := json.Unmarshal([]byte(raw), &asAny); err != nil {
		return pool.Null, false, err
	}
	return pool.FromAny(asAny), true, nil
}

// Set implements pool.ConversationStore.
func (s *SQLiteStore) Set(ctx context.Context, botID, sessionID, key string, v pool.Value) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_variables (bot_id, session_id, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bot_id, session_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, botID, sessionID, key, string(raw), time.Now().UTC())
	return err
}

// CreateRun implements Store.
func (s *SQLiteStore) CreateRun(ctx context.Context, run workflow.WorkflowRun) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, bot_id, session_id, workflow_version_id, status, user_message, metadata, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.BotID, run.SessionID, run.WorkflowVersionID, run.Status, run.UserMessage, string(meta), run.StartedAt)
	return err
}

// FinishRun implements Store.
func (s *SQLiteStore) FinishRun(ctx context.Context, run workflow.WorkflowRun) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, final_response = ?, error_kind = ?, error_message = ?,
			error_node_id = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?
	`, run.Status, run.FinalResponse, run.ErrorKind, run.ErrorMessage, run.ErrorNodeID,
		run.FinishedAt, run.DurationMS, run.ID)
	return err
}

// GetRun implements Store.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (workflow.WorkflowRun, error) {
	if err := s.checkOpen(); err != nil {
		return workflow.WorkflowRun{}, err
	}
	var run workflow.WorkflowRun
	var metaRaw string
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, session_id, workflow_version_id, status, user_message, final_response,
			error_kind, error_message, error_node_id, metadata, started_at, finished_at, duration_ms
		FROM workflow_runs WHERE id = ?
	`, runID).Scan(&run.ID, &run.BotID, &run.SessionID, &run.WorkflowVersionID, &run.Status,
		&run.UserMessage, &run.FinalResponse, &run.ErrorKind, &run.ErrorMessage, &run.ErrorNodeID,
		&metaRaw, &run.StartedAt, &finishedAt, &run.DurationMS)
	if err == sql.ErrNoRows {
		return workflow.WorkflowRun{}, ErrNotFound
	}
	if err != nil {
		return workflow.WorkflowRun{}, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	_ = json.Unmarshal([]byte(metaRaw), &run.Metadata)
	return run, nil
}

// RecordNodeExecutions implements Store, writing the batch in one
// transaction the way the recorder's end-of-run flush expects (§4.13).
func (s *SQLiteStore) RecordNodeExecutions(ctx context.Context, executions []workflow.NodeExecution) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(executions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, ne := range executions {
		inputs, mErr := json.Marshal(ne.Inputs)
		if mErr != nil {
			err = mErr
			return err
		}
		outputs, mErr := json.Marshal(ne.Outputs)
		if mErr != nil {
			err = mErr
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO node_executions (id, run_id, node_id, node_type, status, inputs, outputs,
				error_kind, error_message, retry_count, started_at, finished_at, duration_ms, sequence_num)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ne.ID, ne.RunID, ne.NodeID, ne.NodeType, ne.Status, string(inputs), string(outputs),
			ne.ErrorKind, ne.ErrorMessage, ne.RetryCount, ne.StartedAt, ne.FinishedAt, ne.DurationMS, ne.SequenceNum)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListNodeExecutions implements Store.
func (s *SQLiteStore) ListNodeExecutions(ctx context.Context, runID string) ([]workflow.NodeExecution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, node_type, status, inputs, outputs, error_kind, error_message,
			retry_count, started_at, finished_at, duration_ms, sequence_num
		FROM node_executions WHERE run_id = ? ORDER BY sequence_num ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []workflow.NodeExecution
	for rows.Next() {
		var ne workflow.NodeExecution
		var inputsRaw, outputsRaw string
		if err := rows.Scan(&ne.ID, &ne.RunID, &ne.NodeID, &ne.NodeType, &ne.Status, &inputsRaw,
			&outputsRaw, &ne.ErrorKind, &ne.ErrorMessage, &ne.RetryCount, &ne.StartedAt, &ne.FinishedAt,
			&ne.DurationMS, &ne.SequenceNum); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(inputsRaw), &ne.Inputs)
		_ = json.Unmarshal([]byte(outputsRaw), &ne.Outputs)
		out = append(out, ne)
	}
	return out, rows.Err()
}

// GetWorkflowVersion implements Store.
func (s *SQLiteStore) GetWorkflowVersion(ctx context.Context, id string) (workflow.WorkflowVersion, error) {
	if err := s.checkOpen(); err != nil {
		return workflow.WorkflowVersion{}, err
	}
	return s.scanVersion(ctx, `SELECT id, bot_id, version, status, graph, environment_variables,
		conversation_variables, features, node_count, edge_count, created_by, created_at, updated_at,
		published_at, is_in_library FROM workflow_versions WHERE id = ?`, id)
}

// GetPublishedVersion implements Store: the newest published version for a bot.
func (s *SQLiteStore) GetPublishedVersion(ctx context.Context, botID string) (workflow.WorkflowVersion, error) {
	if err := s.checkOpen(); err != nil {
		return workflow.WorkflowVersion{}, err
	}
	return s.scanVersion(ctx, `SELECT id, bot_id, version, status, graph, environment_variables,
		conversation_variables, features, node_count, edge_count, created_by, created_at, updated_at,
		published_at, is_in_library FROM workflow_versions WHERE bot_id = ? AND status = 'published'
		ORDER BY version DESC LIMIT 1`, botID)
}

func (s *SQLiteStore) scanVersion(ctx context.Context, query string, arg string) (workflow.WorkflowVersion, error) {
	var v workflow.WorkflowVersion
	var graphRaw, envRaw, convRaw, featRaw string
	var publishedAt sql.NullTime
	var isInLibrary int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&v.ID, &v.BotID, &v.Version, &v.Status, &graphRaw,
		&envRaw, &convRaw, &featRaw, &v.NodeCount, &v.EdgeCount, &v.CreatedBy, &v.CreatedAt, &v.UpdatedAt,
		&publishedAt, &isInLibrary)
	if err == sql.ErrNoRows {
		return workflow.WorkflowVersion{}, ErrNotFound
	}
	if err != nil {
		return workflow.WorkflowVersion{}, err
	}
	if publishedAt.Valid {
		v.PublishedAt = &publishedAt.Time
	}
	v.IsInLibrary = isInLibrary != 0
	_ = json.Unmarshal([]byte(graphRaw), &v.Graph)
	_ = json.Unmarshal([]byte(envRaw), &v.EnvironmentVariables)
	_ = json.Unmarshal([]byte(convRaw), &v.ConversationVariables)
	_ = json.Unmarshal([]byte(featRaw), &v.Features)
	return v, nil
}

// CreateDocument implements Store.
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc workflow.Document) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, bot_id, collection_id, filename, source_uri, content_type, status,
			chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.BotID, doc.CollectionID, doc.Filename, doc.SourceURI, doc.ContentType, doc.Status,
		doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt)
	return err
}

// UpdateDocumentStatus implements Store.
func (s *SQLiteStore) UpdateDocumentStatus(ctx context.Context, documentID string, status workflow.DocumentStatus, chunkCount int, errMsg string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, chunk_count = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, status, chunkCount, errMsg, time.Now().UTC(), documentID)
	return err
}

// GetDocument implements Store.
func (s *SQLiteStore) GetDocument(ctx context.Context, documentID string) (workflow.Document, error) {
	if err := s.checkOpen(); err != nil {
		return workflow.Document{}, err
	}
	var d workflow.Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, collection_id, filename, source_uri, content_type, status, chunk_count,
			error_message, created_at, updated_at
		FROM documents WHERE id = ?
	`, documentID).Scan(&d.ID, &d.BotID, &d.CollectionID, &d.Filename, &d.SourceURI, &d.ContentType,
		&d.Status, &d.ChunkCount, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return workflow.Document{}, ErrNotFound
	}
	return d, err
}

// Close closes the underlying database connection. Safe to call more than
// once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
