package nodes

import (
	"context"
	"strconv"
	"strings"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

// ifCondition is one leaf test within an IfElse case (§4.4.6).
type ifCondition struct {
	VariableSelector   string
	ComparisonOperator string
	Value              string
	VarType            string
}

// ifCase is one branch of an IfElse node: its conditions combine with
// LogicalOperator ("and"/"or"); the first case (in config order) whose
// conditions are satisfied determines the taken branch.
type ifCase struct {
	CaseID          string
	LogicalOperator string
	Conditions      []ifCondition
}

// NewIfElse builds the IfElse handler (§4.4.6): evaluates config["cases"]
// in order, branching to the first satisfied case's id, falling back to
// "else" when none match.
func NewIfElse() node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		p, _ := node.PoolFrom(ctx)
		resolver := selfResolver{in: in, pool: p}

		cases, err := parseCases(n.Config["cases"])
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.ValidationFailed, "if-else: parse cases", err).WithNode(n.ID)
		}

		for _, c := range cases {
			if evaluateCase(ctx, resolver, c) {
				return node.Result{Branch: c.CaseID}, nil
			}
		}
		return node.Result{Branch: "else"}, nil
	})
}

func parseCases(raw interface{}) ([]ifCase, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, apperr.New(apperr.ValidationFailed, "if-else: cases must be an array")
	}
	cases := make([]ifCase, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			return nil, apperr.New(apperr.ValidationFailed, "if-else: each case must be an object")
		}
		c := ifCase{
			CaseID:          stringField(m, "case_id"),
			LogicalOperator: strings.ToLower(stringField(m, "logical_operator")),
		}
		if c.CaseID == "" {
			return nil, apperr.New(apperr.ValidationFailed, "if-else: case_id must be non-empty")
		}
		condsRaw, _ := m["conditions"].([]interface{})
		for _, cr := range condsRaw {
			cm, ok := cr.(map[string]interface{})
			if !ok {
				continue
			}
			c.Conditions = append(c.Conditions, ifCondition{
				VariableSelector:   stringField(cm, "variable_selector"),
				ComparisonOperator: stringField(cm, "comparison_operator"),
				Value:              stringField(cm, "value"),
				VarType:            stringField(cm, "var_type"),
			})
		}
		cases = append(cases, c)
	}
	return cases, nil
}

func evaluateCase(ctx context.Context, r selfResolver, c ifCase) bool {
	if len(c.Conditions) == 0 {
		return false
	}
	useOr := c.LogicalOperator == "or"
	for _, cond := range c.Conditions {
		v, _ := r.Resolve(ctx, cond.VariableSelector)
		result := evaluateCondition(v, cond)
		if useOr && result {
			return true
		}
		if !useOr && !result {
			return false
		}
	}
	return !useOr
}

func evaluateCondition(v pool.Value, cond ifCondition) bool {
	switch cond.ComparisonOperator {
	case "is_empty":
		return v.IsNull() || v.String() == ""
	case "is_not_empty":
		return !v.IsNull() && v.String() != ""
	case "=":
		return valuesEqual(v, cond.Value)
	case "≠", "!=":
		return !valuesEqual(v, cond.Value)
	case "contains":
		return strings.Contains(v.String(), cond.Value)
	case "not_contains":
		return !strings.Contains(v.String(), cond.Value)
	case "starts_with":
		return strings.HasPrefix(v.String(), cond.Value)
	case "ends_with":
		return strings.HasSuffix(v.String(), cond.Value)
	case ">", "≥", ">=", "<", "≤", "<=":
		a, b, ok := numericPair(v, cond.Value)
		if !ok {
			return false
		}
		switch cond.ComparisonOperator {
		case ">":
			return a > b
		case "≥", ">=":
			return a >= b
		case "<":
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func valuesEqual(v pool.Value, rhs string) bool {
	if n, ok := v.AsNumber(); ok {
		if rn, err := strconv.ParseFloat(rhs, 64); err == nil {
			return n == rn
		}
	}
	if b, ok := v.AsBool(); ok {
		if rb, err := strconv.ParseBool(rhs); err == nil {
			return b == rb
		}
	}
	return v.String() == rhs
}

func numericPair(v pool.Value, rhs string) (float64, float64, bool) {
	a, ok := coerceNumber(v)
	if !ok {
		return 0, 0, false
	}
	b, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return 0, 0, false
	}
	return a, b, true
}

func coerceNumber(v pool.Value) (float64, bool) {
	if n, ok := v.AsNumber(); ok {
		return n, true
	}
	n, err := strconv.ParseFloat(v.String(), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IfElseSchema builds one output port per configured case id plus a
// trailing "else" port, since IfElse's branch set depends on its own
// config rather than a fixed shape (§4.4.6).
func IfElseSchema(n workflow.Node) workflow.Ports {
	cases, _ := parseCases(n.Config["cases"])
	outputs := make([]workflow.Port, 0, len(cases)+1)
	for _, c := range cases {
		outputs = append(outputs, workflow.Port{Name: c.CaseID, Type: workflow.PortAny})
	}
	outputs = append(outputs, workflow.Port{Name: "else", Type: workflow.PortAny})
	return workflow.Ports{Outputs: outputs}
}
