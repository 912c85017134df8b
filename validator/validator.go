// Package validator implements the WorkflowValidator (C5): the ten-pass
// presence/port/selector/structural analysis that a graph must pass before
// the WorkflowExecutor will run it, plus the Kahn's-algorithm execution
// order the executor walks.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/tmpl"
	"github.com/kasmira-labs/chatflow/workflow"
)

// structValidate enforces the `validate` struct tags on workflow.Node and
// workflow.Edge (required id/type/source/target fields). One instance is
// reused across Validate calls; go-playground/validator's struct cache
// makes this safe for concurrent use.
var structValidate = validator.New()

// Issue is one validation error or warning, carrying the internal Code
// called for by §4.5/§8.2 (e.g. "multiple_ends_without_branch") alongside a
// human-readable Message.
type Issue struct {
	Code     string
	Message  string
	NodeID   string
	Selector string
}

func (i Issue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %s)", i.Code, i.Message, i.NodeID)
	}
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

// Result is the outcome of Validate.
type Result struct {
	OK       bool
	Errors   []Issue
	Warnings []Issue
}

func (r *Result) addError(code, msg, nodeID, selector string) {
	r.Errors = append(r.Errors, Issue{Code: code, Message: msg, NodeID: nodeID, Selector: selector})
	r.OK = false
}

func (r *Result) addWarning(code, msg, nodeID string) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Message: msg, NodeID: nodeID})
}

var reservedScopes = map[string]bool{
	"env": true, "environment": true,
	"conv": true, "conversation": true,
	"sys": true, "system": true,
}

// isReservedScope reports whether head names a reserved VariablePool scope
// rather than a node id.
func isReservedScope(head string) bool { return reservedScopes[head] }

// Validate runs the ten ordered passes of §4.5 against graph, using reg to
// resolve a node's declared ports when the node has none embedded. Validate
// mutates graph in place during passes 3-5 (port normalization, mapping
// synthesis, self-mapping rewrite) — callers that need the pre-normalization
// graph should clone it first.
func Validate(graph *workflow.Graph, reg *node.Registry) (Result, error) {
	res := Result{OK: true}

	checkStructTags(graph, &res)

	ports := resolvePorts(graph, reg)

	presenceChecks(graph, &res)
	normalizeEdgePorts(graph, ports, &res)
	synthesizeMappings(graph, ports, &res)
	normalizeSelfMappings(graph)
	checkSelectorValidity(graph, ports, &res)
	checkTemplateCoverage(graph, ports, &res)
	checkStructure(graph, &res)
	checkBranchConstraints(graph, ports, &res)
	checkAnswerToEnd(graph, &res)

	return res, nil
}

// resolvePorts builds the effective {inputs, outputs} map for every node,
// per pass 2: a node's own embedded Ports win over the registry's declared
// schema for that node type.
func resolvePorts(graph *workflow.Graph, reg *node.Registry) map[string]workflow.Ports {
	out := make(map[string]workflow.Ports, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if len(n.Ports.Inputs) > 0 || len(n.Ports.Outputs) > 0 {
			out[n.ID] = n.Ports
			continue
		}
		if reg != nil {
			if p, ok := reg.Schema(n); ok {
				out[n.ID] = p
				continue
			}
		}
		out[n.ID] = workflow.Ports{}
	}
	return out
}

// pass 0: struct-tag validation — enforce the `validate:"required"` tags on
// Node and Edge (id, type, source, target) before any graph-shape pass runs,
// so a missing id is reported as a single field-level error rather than
// surfacing later as a confusing structural failure.
func checkStructTags(graph *workflow.Graph, res *Result) {
	for _, n := range graph.Nodes {
		if err := structValidate.Struct(n); err != nil {
			addStructValidationErrors(res, n.ID, err)
		}
		for _, p := range n.Ports.Inputs {
			if err := structValidate.Struct(p); err != nil {
				addStructValidationErrors(res, n.ID, err)
			}
		}
		for _, p := range n.Ports.Outputs {
			if err := structValidate.Struct(p); err != nil {
				addStructValidationErrors(res, n.ID, err)
			}
		}
	}
	for _, e := range graph.Edges {
		if err := structValidate.Struct(e); err != nil {
			addStructValidationErrors(res, e.ID, err)
		}
	}
}

func addStructValidationErrors(res *Result, id string, err error) {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		res.addError("struct_validation_failed", err.Error(), id, "")
		return
	}
	for _, fe := range verrs {
		res.addError("struct_validation_failed",
			fmt.Sprintf("field %s failed %q validation", fe.Field(), fe.Tag()), id, fe.Field())
	}
}

// pass 1: presence checks.
func presenceChecks(graph *workflow.Graph, res *Result) {
	var starts, ends, answers int
	for _, n := range graph.Nodes {
		if n.ID == "" {
			res.addError("missing_node_id", "node is missing an id", "", "")
		}
		if n.Type == "" {
			res.addError("missing_node_type", "node is missing a type", n.ID, "")
		}
		switch n.Type {
		case workflow.NodeStart:
			starts++
		case workflow.NodeEnd:
			ends++
		case workflow.NodeAnswer:
			answers++
		}
	}
	if starts != 1 {
		res.addError("start_count", fmt.Sprintf("graph must have exactly one start node, found %d", starts), "", "")
	}
	if ends > 1 && !hasBranchNode(graph) {
		res.addError("multiple_ends_without_branch", "graph has more than one End node but no branch node to select between them", "", "")
	}
}

func hasBranchNode(graph *workflow.Graph) bool {
	for _, n := range graph.Nodes {
		if n.Type == workflow.NodeIfElse || n.Type == workflow.NodeQuestionClassifier {
			return true
		}
	}
	return false
}

// pass 3: edge port normalization — rewrite placeholder handles to the
// unique required port, or failing that the first declared port, on the
// referenced side. Edges still ambiguous after this are rejected.
func normalizeEdgePorts(graph *workflow.Graph, ports map[string]workflow.Ports, res *Result) {
	for i := range graph.Edges {
		e := &graph.Edges[i]
		if workflow.IsPlaceholderPort(e.SourcePort) {
			if p, ok := resolveSinglePort(ports[e.Source].Outputs); ok {
				e.SourcePort = p
			} else {
				res.addError("ambiguous_edge_port", fmt.Sprintf("edge %s: cannot resolve source port on %s", e.ID, e.Source), e.Source, "")
			}
		}
		if workflow.IsPlaceholderPort(e.TargetPort) {
			if p, ok := resolveSinglePort(ports[e.Target].Inputs); ok {
				e.TargetPort = p
			} else {
				res.addError("ambiguous_edge_port", fmt.Sprintf("edge %s: cannot resolve target port on %s", e.ID, e.Target), e.Target, "")
			}
		}
	}
}

// resolveSinglePort picks the unique required port among list, or — if no
// port is required — the first declared port. Two or more required ports
// leave the handle unresolved.
func resolveSinglePort(list []workflow.Port) (string, bool) {
	if len(list) == 0 {
		return "", false
	}
	var required []workflow.Port
	for _, p := range list {
		if p.Required {
			required = append(required, p)
		}
	}
	if len(required) == 1 {
		return required[0].Name, true
	}
	if len(required) == 0 {
		return list[0].Name, true
	}
	return "", false
}

// pass 4: variable-mapping synthesis.
func synthesizeMappings(graph *workflow.Graph, ports map[string]workflow.Ports, res *Result) {
	for ni := range graph.Nodes {
		n := &graph.Nodes[ni]
		for _, in := range ports[n.ID].Inputs {
			if _, ok := n.VariableMappings[in.Name]; ok {
				continue
			}
			candidates := edgesInto(graph, n.ID, in.Name)
			switch len(candidates) {
			case 0:
				continue
			case 1:
				e := candidates[0]
				if n.VariableMappings == nil {
					n.VariableMappings = map[string]string{}
				}
				n.VariableMappings[in.Name] = e.Source + "." + e.SourcePort
			default:
				res.addError("ambiguous_mapping", fmt.Sprintf("port %s on %s has multiple candidate source edges", in.Name, n.ID), n.ID, in.Name)
			}
		}
	}
}

func edgesInto(graph *workflow.Graph, nodeID, port string) []workflow.Edge {
	var out []workflow.Edge
	for _, e := range graph.Edges {
		if e.Target == nodeID && e.TargetPort == port {
			out = append(out, e)
		}
	}
	return out
}

// pass 5: self-mapping normalization — "self.x" rewrites to the node's own id.
func normalizeSelfMappings(graph *workflow.Graph) {
	for ni := range graph.Nodes {
		n := &graph.Nodes[ni]
		for port, sel := range n.VariableMappings {
			if strings.HasPrefix(sel, "self.") {
				n.VariableMappings[port] = n.ID + strings.TrimPrefix(sel, "self")
			}
		}
	}
}

// pass 6: selector validity — every mapped selector must resolve
// structurally (existing node id + existing output port, or a reserved
// scope).
func checkSelectorValidity(graph *workflow.Graph, ports map[string]workflow.Ports, res *Result) {
	for _, n := range graph.Nodes {
		for port, sel := range n.VariableMappings {
			if !selectorResolvesStructurally(graph, ports, sel) {
				res.addError("invalid_selector", fmt.Sprintf("node %s port %s: selector %q does not resolve", n.ID, port, sel), n.ID, sel)
			}
		}
	}
}

func selectorResolvesStructurally(graph *workflow.Graph, ports map[string]workflow.Ports, sel string) bool {
	head, rest, hasDot := cutFirst(sel)
	if !hasDot {
		_, ok := graph.NodeByID(head)
		return ok
	}
	if isReservedScope(head) {
		return true
	}
	n, ok := graph.NodeByID(head)
	if !ok {
		return false
	}
	outPort, _ := cutFirstSegment(rest)
	for _, p := range ports[n.ID].Outputs {
		if p.Name == outPort {
			return true
		}
	}
	return len(ports[n.ID].Outputs) == 0 // registry-less custom node: trust it
}

func cutFirst(s string) (head, rest string, hasDot bool) {
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}

func cutFirstSegment(s string) (head, rest string) {
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}

// pass 7: template variable coverage (inv 6) — every selector referenced by
// an answer/llm node's templates must be reserved, mapped, self.<port>, or
// sourced from an actual upstream edge.
func checkTemplateCoverage(graph *workflow.Graph, ports map[string]workflow.Ports, res *Result) {
	for _, n := range graph.Nodes {
		if n.Type != workflow.NodeAnswer && n.Type != workflow.NodeLLM {
			continue
		}
		tplRaw, _ := n.Config["template"].(string)
		if tplRaw == "" {
			tplRaw, _ = n.Config["prompt_template"].(string)
		}
		if tplRaw == "" {
			continue
		}
		selectors, err := tmpl.ParseSelectors(tplRaw)
		if err != nil {
			res.addError("template_parse_error", fmt.Sprintf("node %s: %v", n.ID, err), n.ID, "")
			continue
		}
		for _, sel := range selectors {
			if templateSelectorCovered(graph, n, sel) {
				continue
			}
			res.addError("uncovered_template_selector", fmt.Sprintf("selector %q has no connecting edge or mapping", sel), n.ID, sel)
		}
	}
}

func templateSelectorCovered(graph *workflow.Graph, n workflow.Node, sel string) bool {
	head, _, hasDot := cutFirst(sel)
	if hasDot && isReservedScope(head) {
		return true
	}
	for _, mapped := range n.VariableMappings {
		if mapped == sel {
			return true
		}
	}
	if hasDot && head == "self" {
		return true
	}
	if hasDot {
		for _, e := range graph.EdgesTo(n.ID) {
			if e.Source == head {
				return true
			}
		}
		if _, ok := graph.NodeByID(head); ok {
			for _, e := range graph.EdgesFrom(head) {
				if e.Target == n.ID {
					return true
				}
			}
		}
	}
	return false
}

// pass 8: structural checks — cycle detection (DFS + recursion stack),
// isolated-node warnings, and Start-reaches-everything warning.
func checkStructure(graph *workflow.Graph, res *Result) {
	if cyc, ok := findCycle(graph); ok {
		res.addError("cycle_detected", fmt.Sprintf("cycle detected: %s", strings.Join(cyc, " -> ")), "", "")
	}

	for _, n := range graph.Nodes {
		if n.Type == workflow.NodeStart || n.Type == workflow.NodeEnd {
			continue
		}
		if len(graph.EdgesFrom(n.ID)) == 0 && len(graph.EdgesTo(n.ID)) == 0 {
			res.addWarning("isolated_node", fmt.Sprintf("node %s has no edges", n.ID), n.ID)
		}
	}

	var start workflow.Node
	found := false
	for _, n := range graph.Nodes {
		if n.Type == workflow.NodeStart {
			start = n
			found = true
			break
		}
	}
	if found {
		reached := reachableFrom(graph, start.ID)
		for _, n := range graph.Nodes {
			if n.ID == start.ID {
				continue
			}
			if !reached[n.ID] {
				res.addWarning("unreachable_from_start", fmt.Sprintf("node %s is not reachable from start", n.ID), n.ID)
			}
		}
	}
}

func findCycle(graph *workflow.Graph) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph.Nodes))
	var stack []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range graph.EdgesFrom(id) {
			switch color[e.Target] {
			case gray:
				// found the back edge; report the cycle suffix from e.Target.
				idx := indexOf(stack, e.Target)
				return append(append([]string{}, stack[idx:]...), e.Target), true
			case white:
				if cyc, ok := visit(e.Target); ok {
					return cyc, true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil, false
	}

	ids := nodeIDsSorted(graph)
	for _, id := range ids {
		if color[id] == white {
			if cyc, ok := visit(id); ok {
				return cyc, true
			}
		}
	}
	return nil, false
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}

func reachableFrom(graph *workflow.Graph, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range graph.EdgesFrom(id) {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return seen
}

// pass 9: branch-constraint checks (warnings only).
func checkBranchConstraints(graph *workflow.Graph, ports map[string]workflow.Ports, res *Result) {
	var start workflow.Node
	found := false
	for _, n := range graph.Nodes {
		if n.Type == workflow.NodeStart {
			start = n
			found = true
			break
		}
	}
	if found {
		succ := graph.EdgesFrom(start.ID)
		if len(succ) > 1 {
			allBranches := true
			for _, e := range succ {
				if tgt, ok := graph.NodeByID(e.Target); !ok || !isBranchNode(tgt) {
					allBranches = false
					break
				}
			}
			if !allBranches {
				res.addWarning("start_fanout", "start node has more than one successor and not all are branch nodes", start.ID)
			}
		}
	}

	for _, n := range graph.Nodes {
		if !isBranchNode(n) {
			continue
		}
		seen := map[string]bool{}
		for _, e := range graph.EdgesFrom(n.ID) {
			for _, d := range graph.EdgesFrom(e.Target) {
				if tgt, ok := graph.NodeByID(d.Target); ok && !isBranchNode(tgt) {
					if seen[d.Target] {
						res.addWarning("branch_convergence", fmt.Sprintf("branches of %s converge into %s", n.ID, d.Target), n.ID)
					}
					seen[d.Target] = true
				}
			}
		}
	}
}

func isBranchNode(n workflow.Node) bool {
	return n.Type == workflow.NodeIfElse || n.Type == workflow.NodeQuestionClassifier
}

// IsBranchNode reports whether n selects among downstream branches rather
// than producing port values, per §4.6 step 4's branch-gate map. Exposed for
// the executor, which needs the same predicate to decide which edges gate a
// node's dormancy.
func IsBranchNode(n workflow.Node) bool { return isBranchNode(n) }

// EffectivePorts exposes resolvePorts (pass 2's embedded-Ports-win-over-
// registry-schema resolution) to callers downstream of Validate, such as the
// executor's per-node input assembly.
func EffectivePorts(graph *workflow.Graph, reg *node.Registry) map[string]workflow.Ports {
	return resolvePorts(graph, reg)
}

// pass 10: answer→end wiring — at least one Answer must reach an End.
func checkAnswerToEnd(graph *workflow.Graph, res *Result) {
	for _, n := range graph.Nodes {
		if n.Type != workflow.NodeAnswer {
			continue
		}
		for _, e := range graph.EdgesFrom(n.ID) {
			if tgt, ok := graph.NodeByID(e.Target); ok && tgt.Type == workflow.NodeEnd {
				return
			}
		}
	}
	res.addError("no_answer_to_end", "no Answer node has an outgoing edge to an End node", "", "")
}

// ExecutionOrder computes the node visiting order via Kahn's algorithm over
// the scheduling graph. An edge whose Source is a reserved scope (e.g.
// "conv") is left out of that graph; reserved-scope references in
// VariableMappings are not edges and are ignored here. Ties are broken
// lexicographically by node id for determinism.
func ExecutionOrder(graph *workflow.Graph) ([]string, error) {
	indegree := make(map[string]int, len(graph.Nodes))
	for _, n := range graph.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range graph.Edges {
		if isReservedScope(e.Source) {
			continue // not a node: left out of the scheduling graph
		}
		if _, ok := indegree[e.Target]; ok {
			indegree[e.Target]++
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var newlyReady []string
		for _, e := range graph.EdgesFrom(id) {
			if _, ok := indegree[e.Target]; !ok {
				continue
			}
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				newlyReady = append(newlyReady, e.Target)
			}
		}
		sort.Strings(newlyReady)
		ready = append(ready, newlyReady...)
	}

	if len(order) != len(graph.Nodes) {
		return nil, fmt.Errorf("validator: execution order incomplete (%d of %d nodes) — graph likely has a cycle", len(order), len(graph.Nodes))
	}
	return order, nil
}

func nodeIDsSorted(graph *workflow.Graph) []string {
	ids := make([]string, len(graph.Nodes))
	for i, n := range graph.Nodes {
		ids[i] = n.ID
	}
	sort.Strings(ids)
	return ids
}
