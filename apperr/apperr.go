// Package apperr defines the workflow engine's error-kind taxonomy (§7): a
// fixed set of kinds every component (validator, executor, llm, embedding,
// vectorstore, worker) reports through.
package apperr

import "errors"

// Kind is one of the fixed error kinds a WorkflowRun or NodeExecution can
// fail with (§7).
type Kind string

// The error kinds named in §7.
const (
	ValidationFailed      Kind = "validation_failed"
	NodeInputUnresolved    Kind = "node_input_unresolved"
	TemplateRenderFailed   Kind = "template_render_failed"
	LLMRateLimit           Kind = "llm_rate_limit"
	LLMTimeout             Kind = "llm_timeout"
	LLMInvalidResponse     Kind = "llm_invalid_response"
	LLMAuth                Kind = "llm_auth"
	LLMAPIError            Kind = "llm_api_error"
	EmbeddingCircuitOpen   Kind = "embedding_circuit_open"
	VectorStoreError       Kind = "vector_store_error"
	DocumentParsingError   Kind = "document_parsing_error"
	Cancelled              Kind = "cancelled"
	RunTimeout             Kind = "run_timeout"
)

// Error is the error value carried by every component boundary in the
// engine: a stable Kind for programmatic branching (retry policies,
// recorder fields, HTTP status mapping) plus a human Message and the node
// that produced it, when applicable.
type Error struct {
	Kind    Kind
	Message string
	NodeID  string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.NodeID != "" {
		return string(e.Kind) + " (node " + e.NodeID + "): " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes Cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no node association.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause as its unwrap target.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithNode returns a copy of e associated with nodeID, for handlers that
// only learn which node failed after the underlying call returns.
func (e *Error) WithNode(nodeID string) *Error {
	cp := *e
	cp.NodeID = nodeID
	return &cp
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// otherwise returns fallback.
func KindOf(err error, fallback Kind) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return fallback
}
