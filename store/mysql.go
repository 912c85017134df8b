package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

// MySQLStore is a MySQL/MariaDB implementation of Store for production
// deployments spanning multiple executor processes, grounded on the
// teacher's graph/store.MySQLStore (connection pooling tuned for a shared
// server, DSN-based construction, same schema shape as SQLiteStore).
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a MySQL connection pool against dsn, e.g.
// "user:pass@tcp(127.0.0.1:3306)/chatflow?parseTime=true". parseTime=true
// is required so TIMESTAMP columns scan into time.Time directly.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id VARCHAR(64) PRIMARY KEY,
			bot_id VARCHAR(64) NOT NULL,
			session_id VARCHAR(64) NOT NULL,
			workflow_version_id VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			user_message TEXT NOT NULL,
			final_response MEDIUMTEXT NOT NULL,
			error_kind VARCHAR(64) NOT NULL DEFAULT '',
			error_message TEXT NOT NULL,
			error_node_id VARCHAR(64) NOT NULL DEFAULT '',
			metadata JSON NOT NULL,
			started_at TIMESTAMP(6) NOT NULL,
			finished_at TIMESTAMP(6) NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			INDEX idx_runs_session (bot_id, session_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS node_executions (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(128) NOT NULL,
			node_type VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			inputs JSON NOT NULL,
			outputs JSON NOT NULL,
			error_kind VARCHAR(64) NOT NULL DEFAULT '',
			error_message TEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			started_at TIMESTAMP(6) NOT NULL,
			finished_at TIMESTAMP(6) NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			sequence_num INT NOT NULL,
			INDEX idx_node_exec_run (run_id, sequence_num)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			id VARCHAR(64) PRIMARY KEY,
			bot_id VARCHAR(64) NOT NULL,
			version INT NOT NULL,
			status VARCHAR(16) NOT NULL,
			graph JSON NOT NULL,
			environment_variables JSON NOT NULL,
			conversation_variables JSON NOT NULL,
			features JSON NOT NULL,
			node_count INT NOT NULL DEFAULT 0,
			edge_count INT NOT NULL DEFAULT 0,
			created_by VARCHAR(64) NOT NULL DEFAULT '',
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			published_at TIMESTAMP(6) NULL,
			is_in_library TINYINT(1) NOT NULL DEFAULT 0,
			UNIQUE KEY uq_bot_version (bot_id, version),
			INDEX idx_versions_bot_status (bot_id, status)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS conversation_variables (
			bot_id VARCHAR(64) NOT NULL,
			session_id VARCHAR(64) NOT NULL,
			k VARCHAR(255) NOT NULL,
			value JSON NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (bot_id, session_id, k)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS documents (
			id VARCHAR(64) PRIMARY KEY,
			bot_id VARCHAR(64) NOT NULL,
			collection_id VARCHAR(64) NOT NULL,
			filename VARCHAR(512) NOT NULL,
			source_uri VARCHAR(2048) NOT NULL,
			content_type VARCHAR(128) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			chunk_count INT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			INDEX idx_documents_collection (collection_id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return nil
}

// Get implements pool.ConversationStore.
func (s *MySQLStore) Get(ctx context.Context, botID, sessionID, key string) (pool.Value, bool, error) {
	if err := s.checkOpen(); err != nil {
		return pool.Null, false, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM conversation_variables WHERE bot_id = ? AND session_id = ? AND k = ?`,
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
func (s *MySQLStore) Set(ctx context.Context, botID, sessionID, key string, v pool.Value) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_variables (bot_id, session_id, k, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)
	`, botID, sessionID, key, string(raw), time.Now().UTC())
	return err
}

// CreateRun implements Store.
func (s *MySQLStore) CreateRun(ctx context.Context, run workflow.WorkflowRun) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, bot_id, session_id, workflow_version_id, status, user_message,
			final_response, metadata, started_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
	`, run.ID, run.BotID, run.SessionID, run.WorkflowVersionID, run.Status, run.UserMessage, string(meta), run.StartedAt)
	return err
}

// FinishRun implements Store.
func (s *MySQLStore) FinishRun(ctx context.Context, run workflow.WorkflowRun) error {
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
func (s *MySQLStore) GetRun(ctx context.Context, runID string) (workflow.WorkflowRun, error) {
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

// RecordNodeExecutions implements Store.
func (s *MySQLStore) RecordNodeExecutions(ctx context.Context, executions []workflow.NodeExecution) error {
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
func (s *MySQLStore) ListNodeExecutions(ctx context.Context, runID string) ([]workflow.NodeExecution, error) {
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
func (s *MySQLStore) GetWorkflowVersion(ctx context.Context, id string) (workflow.WorkflowVersion, error) {
	if err := s.checkOpen(); err != nil {
		return workflow.WorkflowVersion{}, err
	}
	return s.scanVersion(ctx, `SELECT id, bot_id, version, status, graph, environment_variables,
		conversation_variables, features, node_count, edge_count, created_by, created_at, updated_at,
		published_at, is_in_library FROM workflow_versions WHERE id = ?`, id)
}

// GetPublishedVersion implements Store.
func (s *MySQLStore) GetPublishedVersion(ctx context.Context, botID string) (workflow.WorkflowVersion, error) {
	if err := s.checkOpen(); err != nil {
		return workflow.WorkflowVersion{}, err
	}
	return s.scanVersion(ctx, `SELECT id, bot_id, version, status, graph, environment_variables,
		conversation_variables, features, node_count, edge_count, created_by, created_at, updated_at,
		published_at, is_in_library FROM workflow_versions WHERE bot_id = ? AND status = 'published'
		ORDER BY version DESC LIMIT 1`, botID)
}

func (s *MySQLStore) scanVersion(ctx context.Context, query string, arg string) (workflow.WorkflowVersion, error) {
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
func (s *MySQLStore) CreateDocument(ctx context.Context, doc workflow.Document) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, bot_id, collection_id, filename, source_uri, content_type, status,
			chunk_count, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
	`, doc.ID, doc.BotID, doc.CollectionID, doc.Filename, doc.SourceURI, doc.ContentType, doc.Status,
		doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt)
	return err
}

// UpdateDocumentStatus implements Store.
func (s *MySQLStore) UpdateDocumentStatus(ctx context.Context, documentID string, status workflow.DocumentStatus, chunkCount int, errMsg string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, chunk_count = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, status, chunkCount, errMsg, time.Now().UTC(), documentID)
	return err
}

// GetDocument implements Store.
func (s *MySQLStore) GetDocument(ctx context.Context, documentID string) (workflow.Document, error) {
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

// Close closes the connection pool. Safe to call more than once.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
