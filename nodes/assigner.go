package nodes

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

// assignerOp is one variable-assignment operation within an Assigner node
// (§4.4.8).
type assignerOp struct {
	WriteMode     string
	InputType     string
	ConstantValue interface{}
}

// NewAssigner builds the Assigner handler (§4.4.8): for each configured
// operation, resolves its target selector and value, applies the write
// mode, and reports the resulting value on operation_<i>_result.
func NewAssigner() node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		p, _ := node.PoolFrom(ctx)
		if p == nil {
			return node.Result{}, apperr.New(apperr.ValidationFailed, "assigner: no VariablePool in context").WithNode(n.ID)
		}

		ops, err := parseAssignerOps(n.Config["operations"])
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.ValidationFailed, "assigner: parse operations", err).WithNode(n.ID)
		}

		outputs := make(map[string]pool.Value, len(ops))
		for i, op := range ops {
			targetKey := fmt.Sprintf("operation_%d_target", i+1)
			valueKey := fmt.Sprintf("operation_%d_value", i+1)
			resultKey := fmt.Sprintf("operation_%d_result", i+1)

			target, _ := in[targetKey].AsString()
			if target == "" {
				return node.Result{}, apperr.New(apperr.NodeInputUnresolved, "assigner: "+targetKey+" is required").WithNode(n.ID)
			}

			var value pool.Value
			if op.InputType == "constant" {
				value = pool.FromAny(op.ConstantValue)
			} else {
				value = in[valueKey]
			}

			result, err := applyWriteMode(ctx, p, target, op.WriteMode, value)
			if err != nil {
				return node.Result{}, err
			}
			outputs[resultKey] = result
		}

		return node.Result{Outputs: outputs}, nil
	})
}

func parseAssignerOps(raw interface{}) ([]assignerOp, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, apperr.New(apperr.ValidationFailed, "assigner: operations must be an array")
	}
	ops := make([]assignerOp, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			return nil, apperr.New(apperr.ValidationFailed, "assigner: each operation must be an object")
		}
		mode := stringField(m, "write_mode")
		if mode == "" {
			mode = "over-write"
		}
		ops = append(ops, assignerOp{
			WriteMode:     mode,
			InputType:     stringField(m, "input_type"),
			ConstantValue: m["value"],
		})
	}
	return ops, nil
}

// applyWriteMode resolves target's scope ("conv"/"env"), reads the current
// value (if any), applies over-write/append/clear semantics, writes the
// result back through the pool, and returns what was written.
func applyWriteMode(ctx context.Context, p *pool.Pool, target, writeMode string, value pool.Value) (pool.Value, error) {
	scope, key, ok := splitScope(target)
	if !ok {
		return pool.Null, apperr.New(apperr.ValidationFailed, "assigner: target selector must name conv.* or env.* ("+target+")")
	}

	var current pool.Value
	switch scope {
	case pool.ScopeConversation:
		current, _ = p.GetConversation(ctx, key)
	case pool.ScopeEnv:
		current, _ = p.GetEnv(key)
	default:
		return pool.Null, apperr.New(apperr.ValidationFailed, "assigner: cannot write to scope "+scope)
	}

	var result pool.Value
	switch writeMode {
	case "clear":
		result = pool.Null
	case "append":
		result = appendValue(current, value)
	default: // "over-write"
		result = value
	}

	switch scope {
	case pool.ScopeConversation:
		if err := p.SetConversation(ctx, key, result); err != nil {
			return pool.Null, apperr.Wrap(apperr.ValidationFailed, "assigner: write conversation variable", err)
		}
	case pool.ScopeEnv:
		p.SetEnv(key, result)
	}
	return result, nil
}

// appendValue implements the "append" write mode: appending to a list
// grows it, appending to a string concatenates, appending onto null starts
// a single-element list, and appending onto any other value yields the
// two-element list [current, addition] (§4.4.8).
func appendValue(current, addition pool.Value) pool.Value {
	if items, ok := current.AsList(); ok {
		return pool.List(append(append([]pool.Value{}, items...), addition))
	}
	if s, ok := current.AsString(); ok {
		return pool.String(s + addition.String())
	}
	if current.IsNull() {
		return pool.List([]pool.Value{addition})
	}
	return pool.List([]pool.Value{current, addition})
}

// splitScope parses "conv.key" / "env.key" into its canonical scope and key.
func splitScope(selector string) (scope, key string, ok bool) {
	for i := 0; i < len(selector); i++ {
		if selector[i] == '.' {
			head := selector[:i]
			canon, isScope := pool.CanonicalScope(head)
			if !isScope {
				return "", "", false
			}
			return canon, selector[i+1:], true
		}
	}
	return "", "", false
}

// AssignerSchema builds one target/value input pair and one result output
// per configured operation; value is optional when the operation's
// input_type is "constant" (§4.4.8).
func AssignerSchema(n workflow.Node) workflow.Ports {
	ops, _ := parseAssignerOps(n.Config["operations"])
	var ports workflow.Ports
	for i, op := range ops {
		idx := i + 1
		ports.Inputs = append(ports.Inputs, workflow.Port{
			Name: "operation_" + strconv.Itoa(idx) + "_target", Type: workflow.PortString, Required: true,
		})
		ports.Inputs = append(ports.Inputs, workflow.Port{
			Name: "operation_" + strconv.Itoa(idx) + "_value", Type: workflow.PortAny, Required: op.InputType != "constant",
		})
		ports.Outputs = append(ports.Outputs, workflow.Port{
			Name: "operation_" + strconv.Itoa(idx) + "_result", Type: workflow.PortAny,
		})
	}
	return ports
}
