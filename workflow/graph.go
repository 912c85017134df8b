// Package workflow defines the persisted shapes of the workflow graph and
// its runtime records (C14 Schemas): nodes, edges, ports, selectors, and the
// WorkflowRun/NodeExecution/Document family.
package workflow

import "time"

// PortType is one of the declared port data types (§3.1). Any is
// assignment-compatible with every other type in both directions.
type PortType string

// The declared PortType values.
const (
	PortString  PortType = "string"
	PortNumber  PortType = "number"
	PortBoolean PortType = "boolean"
	PortArray   PortType = "array"
	PortObject  PortType = "object"
	PortAny     PortType = "any"
)

// Compatible reports whether a value typed `from` may populate a port typed
// `to`, honoring PortAny's two-way compatibility.
func (to PortType) Compatible(from PortType) bool {
	return to == PortAny || from == PortAny || to == from
}

// Port describes one named, typed input or output slot on a node.
type Port struct {
	Name     string      `json:"name" validate:"required"`
	Type     PortType    `json:"type" validate:"required"`
	Required bool        `json:"required"`
	Default  interface{} `json:"default,omitempty"`
}

// Ports groups the ordered input/output port lists of a node.
type Ports struct {
	Inputs  []Port `json:"inputs"`
	Outputs []Port `json:"outputs"`
}

// NodeType enumerates the node-type names the NodeRegistry accepts (§3.1).
type NodeType string

// The node types a workflow graph may reference.
const (
	NodeStart               NodeType = "start"
	NodeEnd                 NodeType = "end"
	NodeAnswer              NodeType = "answer"
	NodeLLM                 NodeType = "llm"
	NodeKnowledgeRetrieval  NodeType = "knowledge-retrieval"
	NodeIfElse              NodeType = "if-else"
	NodeQuestionClassifier  NodeType = "question-classifier"
	NodeAssigner            NodeType = "assigner"
	NodeTavilySearch        NodeType = "tavily-search"
	NodeHTTPRequest         NodeType = "http-request"
	NodeCode                NodeType = "code"
	NodeTemplateTransform   NodeType = "template-transform"
)

// Position is the opaque 2-D editor coordinate the engine ignores.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one vertex of a WorkflowGraph (§3.1).
type Node struct {
	ID               string                 `json:"id" validate:"required"`
	Type             NodeType               `json:"type" validate:"required"`
	Position         Position               `json:"position"`
	Config           map[string]interface{} `json:"config"`
	Ports            Ports                  `json:"ports"`
	VariableMappings map[string]string      `json:"variable_mappings"`
}

// placeholderPorts is the set of edge handle names the validator treats as
// unresolved and rewrites to a canonical port name (§4.5 pass 3).
var placeholderPorts = map[string]bool{
	"source": true, "target": true, "default": true,
	"input": true, "output": true, "": true,
}

// IsPlaceholderPort reports whether handle is one of the placeholder names
// the validator rewrites during edge port normalization.
func IsPlaceholderPort(handle string) bool { return placeholderPorts[handle] }

// Edge is a directed hint about data flow between two nodes (§3.1). The
// authoritative data path is Node.VariableMappings; the validator
// reconciles edges and mappings.
type Edge struct {
	ID         string `json:"id" validate:"required"`
	Source     string `json:"source" validate:"required"`
	SourcePort string `json:"source_port"`
	Target     string `json:"target" validate:"required"`
	TargetPort string `json:"target_port"`
	DataType   string `json:"data_type,omitempty"`
}

// Graph is the pair (Nodes, Edges) plus the env/conv side tables (§3.1).
type Graph struct {
	Nodes                 []Node                 `json:"nodes"`
	Edges                 []Edge                 `json:"edges"`
	EnvironmentVariables   map[string]interface{} `json:"environment_variables"`
	ConversationVariables  map[string]interface{} `json:"conversation_variables"`
}

// NodeByID returns the node with the given id, or (Node{}, false).
func (g *Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EdgesFrom returns edges whose Source equals nodeID, in declared order.
func (g *Graph) EdgesFrom(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EdgesTo returns edges whose Target equals nodeID, in declared order.
func (g *Graph) EdgesTo(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// WorkflowVersionStatus is the lifecycle state of a persisted graph (§3.4).
type WorkflowVersionStatus string

// The two lifecycle states of a workflow_versions row.
const (
	StatusDraft     WorkflowVersionStatus = "draft"
	StatusPublished WorkflowVersionStatus = "published"
)

// WorkflowVersion is the persisted graph row (§6.4). Only the fields the
// core reads/writes are modeled; CRUD on the remainder belongs to the
// out-of-scope HTTP/admin layer.
type WorkflowVersion struct {
	ID                    string                 `json:"id"`
	BotID                 string                 `json:"bot_id"`
	Version               int                    `json:"version"`
	Status                WorkflowVersionStatus  `json:"status"`
	Graph                 Graph                  `json:"graph"`
	EnvironmentVariables  map[string]interface{} `json:"environment_variables"`
	ConversationVariables map[string]interface{} `json:"conversation_variables"`
	Features              map[string]bool        `json:"features"`
	NodeCount             int                    `json:"node_count"`
	EdgeCount             int                    `json:"edge_count"`
	CreatedBy             string                 `json:"created_by"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	PublishedAt           *time.Time             `json:"published_at,omitempty"`
	IsInLibrary           bool                   `json:"is_in_library"`
}
