// Package schema implements the Schemas component (C14): compiled JSON
// Schema validation for every node type's config shape, plus the
// persisted workflow-version graph envelope, via
// github.com/santhosh-tekuri/jsonschema/v6. Grounded on §4.3's
// NodeSchema.config_schema field and the node handlers' actual
// n.Config reads (nodes/*.go) — each schema below names only the keys
// its handler actually consults.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kasmira-labs/chatflow/workflow"
)

// NodeConfigSchemas holds the inline JSON Schema text for each node
// type's Config map.
var NodeConfigSchemas = map[workflow.NodeType]string{
	workflow.NodeStart: `{"type": "object"}`,
	workflow.NodeEnd:   `{"type": "object"}`,
	workflow.NodeAnswer: `{
		"type": "object",
		"properties": {"template": {"type": "string"}},
		"required": ["template"]
	}`,
	workflow.NodeLLM: `{
		"type": "object",
		"properties": {
			"provider": {"type": "string"},
			"model": {"type": "string"},
			"system_prompt": {"type": "string"},
			"prompt_template": {"type": "string"},
			"temperature": {"type": "number", "minimum": 0, "maximum": 2},
			"max_tokens": {"type": "integer", "minimum": 1},
			"allow_conversation_context_fallback": {"type": "boolean"}
		}
	}`,
	workflow.NodeKnowledgeRetrieval: `{
		"type": "object",
		"properties": {
			"top_k": {"type": "integer", "minimum": 1, "maximum": 20},
			"document_ids": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	workflow.NodeIfElse: `{
		"type": "object",
		"properties": {
			"cases": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"case_id": {"type": "string"},
						"logical_operator": {"type": "string", "enum": ["and", "or"]},
						"conditions": {
							"type": "array",
							"items": {
								"type": "object",
								"properties": {
									"variable_selector": {"type": "string"},
									"comparison_operator": {"type": "string"},
									"value": {"type": "string"},
									"var_type": {"type": "string"}
								},
								"required": ["variable_selector", "comparison_operator"]
							}
						}
					},
					"required": ["case_id"]
				}
			}
		},
		"required": ["cases"]
	}`,
	workflow.NodeQuestionClassifier: `{
		"type": "object",
		"properties": {
			"classes": {"type": "array", "items": {"type": "object", "properties": {"id": {"type": "string"}, "name": {"type": "string"}, "description": {"type": "string"}}, "required": ["id"]}, "minItems": 1},
			"query_template": {"type": "string"},
			"instruction": {"type": "string"}
		},
		"required": ["classes"]
	}`,
	workflow.NodeAssigner: `{
		"type": "object",
		"properties": {
			"operations": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"target": {"type": "string"},
						"value": {},
						"write_mode": {"type": "string", "enum": ["overwrite", "append", "clear"]}
					},
					"required": ["target"]
				}
			}
		},
		"required": ["operations"]
	}`,
	workflow.NodeTavilySearch: `{
		"type": "object",
		"properties": {
			"topic": {"type": "string"},
			"search_depth": {"type": "string", "enum": ["basic", "advanced"]},
			"max_results": {"type": "integer", "minimum": 1, "maximum": 20},
			"include_domains": {"type": "array", "items": {"type": "string"}},
			"exclude_domains": {"type": "array", "items": {"type": "string"}},
			"time_range": {"type": "string"}
		}
	}`,
	workflow.NodeHTTPRequest: `{"type": "object"}`,
	workflow.NodeCode: `{
		"type": "object",
		"properties": {"code": {"type": "string"}},
		"required": ["code"]
	}`,
	workflow.NodeTemplateTransform: `{
		"type": "object",
		"properties": {"template": {"type": "string"}},
		"required": ["template"]
	}`,
}

// GraphSchema is the top-level shape of a persisted workflow_versions.graph
// column (§6.4): a nodes array and an edges array, each node carrying at
// minimum id/type.
const GraphSchema = `{
	"type": "object",
	"properties": {
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"type": {"type": "string"}
				},
				"required": ["id", "type"]
			}
		},
		"edges": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"source": {"type": "string"},
					"target": {"type": "string"}
				},
				"required": ["id", "source", "target"]
			}
		}
	},
	"required": ["nodes", "edges"]
}`

var (
	compileOnce sync.Once
	compiled    map[workflow.NodeType]*jsonschema.Schema
	graphSchema *jsonschema.Schema
	compileErr  error
)

func compileAll() {
	compiled = make(map[workflow.NodeType]*jsonschema.Schema, len(NodeConfigSchemas))
	for nt, text := range NodeConfigSchemas {
		c := jsonschema.NewCompiler()
		url := "config/" + string(nt) + ".json"
		if err := c.AddResource(url, strings.NewReader(text)); err != nil {
			compileErr = fmt.Errorf("schema: add resource for %s: %w", nt, err)
			return
		}
		sch, err := c.Compile(url)
		if err != nil {
			compileErr = fmt.Errorf("schema: compile config schema for %s: %w", nt, err)
			return
		}
		compiled[nt] = sch
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("graph.json", strings.NewReader(GraphSchema)); err != nil {
		compileErr = fmt.Errorf("schema: add graph resource: %w", err)
		return
	}
	sch, err := c.Compile("graph.json")
	if err != nil {
		compileErr = fmt.Errorf("schema: compile graph schema: %w", err)
		return
	}
	graphSchema = sch
}

// ValidateNodeConfig checks config against nodeType's declared config
// schema. Node types with no registered schema are accepted unvalidated —
// custom/registry-less node types (§4.3) have no schema to check against.
func ValidateNodeConfig(nodeType workflow.NodeType, config map[string]interface{}) error {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return compileErr
	}
	sch, ok := compiled[nodeType]
	if !ok {
		return nil
	}
	instance, err := toJSONValue(config)
	if err != nil {
		return fmt.Errorf("schema: marshal config for %s: %w", nodeType, err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("schema: config for %s: %w", nodeType, err)
	}
	return nil
}

// ValidateGraph checks a persisted graph JSON document (already decoded to
// a Go value via encoding/json) against GraphSchema.
func ValidateGraph(graphJSON interface{}) error {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return compileErr
	}
	instance, err := toJSONValue(graphJSON)
	if err != nil {
		return fmt.Errorf("schema: marshal graph: %w", err)
	}
	if err := graphSchema.Validate(instance); err != nil {
		return fmt.Errorf("schema: graph: %w", err)
	}
	return nil
}

// toJSONValue round-trips v through encoding/json so Go's native int/
// struct values become the float64/map[string]interface{} shapes
// jsonschema/v6's Validate expects, matching how config actually arrives
// after being decoded from persisted JSON.
func toJSONValue(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
