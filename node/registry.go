// Package node implements the NodeRegistry (C3): the fixed, immutable-after-
// startup table mapping a workflow.NodeType to its schema and constructor,
// for the engine's dynamically-typed node handlers.
package node

import (
	"context"
	"fmt"

	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

// Result is the output of one node execution: the set of named output
// values to write into the VariablePool and the branch decision (if the node
// type produces one).
type Result struct {
	Outputs map[string]pool.Value

	// Branch, if non-empty, names the single outgoing edge/port the
	// executor should treat as taken; all sibling branches are skipped.
	// Produced by if-else and question-classifier nodes (§4.4.5, §4.4.6).
	Branch string
}

// Inputs is the resolved input map handed to a Handler: one entry per
// declared input port, or per variable mapping key for nodes whose config
// does not declare fixed ports (Assigner, Code, TemplateTransform).
type Inputs map[string]pool.Value

// Handler is the runtime contract every node type implements (§4.4). Run
// receives the node (with its static config) and, separately, the inputs
// resolved from its VariableMappings, and must not block past ctx's deadline.
type Handler interface {
	Run(ctx context.Context, n workflow.Node, in Inputs) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, n workflow.Node, in Inputs) (Result, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, n workflow.Node, in Inputs) (Result, error) {
	return f(ctx, n, in)
}

// SchemaFn returns the declared port/config schema for a node instance.
// Some node types return a static schema; others (LLM, IfElse,
// QuestionClassifier, Assigner)
// derive part of it from n.Config.
type SchemaFn func(n workflow.Node) workflow.Ports

// entry pairs one node type's schema and handler factory.
type entry struct {
	typ     workflow.NodeType
	schema  SchemaFn
	handler Handler
}

// Registry is the immutable-after-Seal table of node types the validator
// and executor consult. Construction happens once at process startup
// (cmd/*); Seal prevents accidental registration after that point.
type Registry struct {
	entries map[workflow.NodeType]entry
	sealed  bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[workflow.NodeType]entry)}
}

// Register adds a node type's schema and handler. Panics if called after
// Seal or if typ is already registered, since both indicate a programming
// error in wiring rather than a runtime condition to recover from.
func (r *Registry) Register(typ workflow.NodeType, schema SchemaFn, handler Handler) {
	if r.sealed {
		panic(fmt.Sprintf("node: Register(%s) called after registry sealed", typ))
	}
	if _, exists := r.entries[typ]; exists {
		panic(fmt.Sprintf("node: duplicate registration for type %s", typ))
	}
	r.entries[typ] = entry{typ: typ, schema: schema, handler: handler}
}

// Seal freezes the registry. The validator and executor only ever see a
// sealed registry in production; tests may build an unsealed one directly.
func (r *Registry) Seal() *Registry {
	r.sealed = true
	return r
}

// Lookup returns the handler registered for typ.
func (r *Registry) Lookup(typ workflow.NodeType) (Handler, bool) {
	e, ok := r.entries[typ]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Schema returns the declared ports for a node instance of its registered
// type.
func (r *Registry) Schema(n workflow.Node) (workflow.Ports, bool) {
	e, ok := r.entries[n.Type]
	if !ok {
		return workflow.Ports{}, false
	}
	return e.schema(n), true
}

// Known reports whether typ has been registered.
func (r *Registry) Known(typ workflow.NodeType) bool {
	_, ok := r.entries[typ]
	return ok
}

// DefaultPort returns the conventional single default output port name
// for typ, used by pool.Pool when resolving a bare node-id selector
// (§4.1). Types with several outputs still name one here (LLM "response",
// KnowledgeRetrieval "context", HTTPRequest "body"); types without a case
// below return "".
func (r *Registry) DefaultPort(typ string) string {
	switch workflow.NodeType(typ) {
	case workflow.NodeStart:
		return "query"
	case workflow.NodeLLM:
		return "response"
	case workflow.NodeKnowledgeRetrieval:
		return "context"
	case workflow.NodeAnswer:
		return "final_output"
	case workflow.NodeHTTPRequest:
		return "body"
	case workflow.NodeCode:
		return "result"
	case workflow.NodeTemplateTransform:
		return "output"
	case workflow.NodeTavilySearch:
		return "results"
	default:
		return ""
	}
}
