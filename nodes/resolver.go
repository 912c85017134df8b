package nodes

import (
	"context"
	"strings"

	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
)

// selfResolver layers a node's own resolved inputs over the run's
// VariablePool, implementing the "self.<inputPort>" selector §3.3 invariant
// 6 allows inside answer/llm/template-transform templates alongside
// reserved-scope and upstream-node selectors. Non-"self." selectors
// delegate to pool unchanged.
type selfResolver struct {
	in   node.Inputs
	pool *pool.Pool
}

// Resolve implements tmpl.Resolver.
func (r selfResolver) Resolve(ctx context.Context, selector string) (pool.Value, bool) {
	if rest, ok := strings.CutPrefix(selector, "self."); ok {
		head, tail := splitFirst(rest)
		v, ok := r.in[head]
		if !ok {
			return pool.Null, false
		}
		return walkTail(v, tail)
	}
	if r.pool == nil {
		return pool.Null, false
	}
	return r.pool.Resolve(ctx, selector)
}

func splitFirst(s string) (head, rest string) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func walkTail(v pool.Value, tail string) (pool.Value, bool) {
	if tail == "" {
		return v, true
	}
	head, rest := splitFirst(tail)
	next, ok := v.Index(head)
	if !ok {
		return pool.Null, false
	}
	return walkTail(next, rest)
}
