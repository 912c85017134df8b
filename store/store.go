// Package store implements the relational persistence layer backing
// WorkflowRun, NodeExecution, Document, and conversation_variables (§6.4).
// SQLiteStore and MySQLStore both satisfy Store; internal/wiring opens the
// one named by Env.StoreDriver.
package store

import (
	"context"
	"errors"

	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence boundary the executor, recorder, and worker
// depend on. Conversation variable access doubles as pool.ConversationStore
// so a *Pool can be constructed directly from a Store.
type Store interface {
	pool.ConversationStore

	CreateRun(ctx context.Context, run workflow.WorkflowRun) error
	FinishRun(ctx context.Context, run workflow.WorkflowRun) error
	GetRun(ctx context.Context, runID string) (workflow.WorkflowRun, error)

	RecordNodeExecutions(ctx context.Context, executions []workflow.NodeExecution) error
	ListNodeExecutions(ctx context.Context, runID string) ([]workflow.NodeExecution, error)

	GetWorkflowVersion(ctx context.Context, id string) (workflow.WorkflowVersion, error)
	GetPublishedVersion(ctx context.Context, botID string) (workflow.WorkflowVersion, error)

	CreateDocument(ctx context.Context, doc workflow.Document) error
	UpdateDocumentStatus(ctx context.Context, documentID string, status workflow.DocumentStatus, chunkCount int, errMsg string) error
	GetDocument(ctx context.Context, documentID string) (workflow.Document, error)

	Close() error
}
