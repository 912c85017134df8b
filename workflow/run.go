package workflow

import "time"

// RunStatus is the lifecycle state of a WorkflowRun (§3.3).
type RunStatus string

// The WorkflowRun lifecycle states.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimedOut  RunStatus = "timed_out"
)

// WorkflowRun is one invocation of a published WorkflowVersion against one
// conversation turn (§3.3, §6.4 workflow_runs table).
type WorkflowRun struct {
	ID                string                 `json:"id"`
	BotID             string                 `json:"bot_id"`
	SessionID         string                 `json:"session_id"`
	WorkflowVersionID string                 `json:"workflow_version_id"`
	Status            RunStatus              `json:"status"`
	UserMessage       string                 `json:"user_message"`
	FinalResponse     string                 `json:"final_response"`
	ErrorKind         string                 `json:"error_kind,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	ErrorNodeID       string                 `json:"error_node_id,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
	DurationMS        int64                  `json:"duration_ms"`
}

// NodeExecutionStatus is the lifecycle state of one NodeExecution row.
type NodeExecutionStatus string

// The NodeExecution lifecycle states (§3.3).
const (
	NodeStatusSucceeded NodeExecutionStatus = "succeeded"
	NodeStatusFailed    NodeExecutionStatus = "failed"
	NodeStatusSkipped   NodeExecutionStatus = "skipped"
)

// NodeExecution is one row recorded per node visited during a run (§3.3,
// §6.4 node_executions table). RetryCount is an addition beyond spec.md's
// base shape: the LLM/embedding/HTTP handlers retry transient failures and
// this field lets operators distinguish a clean first-try success from one
// that needed backoff.
type NodeExecution struct {
	ID          string                 `json:"id"`
	RunID       string                 `json:"run_id"`
	NodeID      string                 `json:"node_id"`
	NodeType    NodeType               `json:"node_type"`
	Status      NodeExecutionStatus    `json:"status"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	DurationMS  int64                  `json:"duration_ms"`
	SequenceNum int                    `json:"sequence_num"`
}
