package pool

import (
	"context"
	"strings"
	"sync"
)

// Reserved scope names a selector's leading segment may address instead of a
// node id. conv/environment/system are accepted aliases for
// conversation/env/sys respectively (§3.1 ValueSelector).
const (
	ScopeSystem       = "sys"
	ScopeEnv          = "env"
	ScopeConversation = "conv"
	ScopeSelf         = "self"
)

var scopeAliases = map[string]string{
	"sys":          ScopeSystem,
	"system":       ScopeSystem,
	"env":          ScopeEnv,
	"environment":  ScopeEnv,
	"conv":         ScopeConversation,
	"conversation": ScopeConversation,
	"self":         ScopeSelf,
}

// CanonicalScope normalizes a reserved-scope alias to its canonical name. ok
// is false when segment does not name a reserved scope (i.e. it is a node id).
func CanonicalScope(segment string) (scope string, ok bool) {
	s, ok := scopeAliases[segment]
	return s, ok
}

// ConversationStore persists conversation-scoped variables keyed by
// (bot_id, session_id, key), per §3.2 and §6.4's conversation_variables table.
type ConversationStore interface {
	Get(ctx context.Context, botID, sessionID, key string) (Value, bool, error)
	Set(ctx context.Context, botID, sessionID, key string, v Value) error
}

// DefaultPortFunc resolves the implied output port name for a dotless
// selector ("nodeID" alone), per §4.1's "response/result/final_output
// convention, resolved by NodeRegistry".
type DefaultPortFunc func(nodeType string) string

// Pool is the run-scoped VariablePool (C1): the three disjoint namespaces
// (system, environment, conversation) plus node_outputs, and the selector
// resolver that walks dotted tails across them.
type Pool struct {
	mu sync.RWMutex

	system  map[string]Value
	env     map[string]Value
	outputs map[string]map[string]Value // node_id -> port -> value
	nodeTyp map[string]string           // node_id -> node type, for default-port resolution

	convCache   map[string]Value // "key" -> value, scoped to this run's (botID, sessionID)
	convDefault map[string]Value // graph-declared conversation_variables defaults
	convStore   ConversationStore
	botID       string
	sessionID   string

	defaultPort DefaultPortFunc
}

// New creates an empty Pool bound to one (botID, sessionID) pair. convStore
// may be nil, in which case conversation writes are held only in memory for
// the lifetime of this Pool (acceptable for tests and offline runs).
func New(botID, sessionID string, convStore ConversationStore, convDefaults map[string]Value, defaultPort DefaultPortFunc) *Pool {
	if defaultPort == nil {
		defaultPort = func(string) string { return "" }
	}
	return &Pool{
		system:      make(map[string]Value),
		env:         make(map[string]Value),
		outputs:     make(map[string]map[string]Value),
		nodeTyp:     make(map[string]string),
		convCache:   make(map[string]Value),
		convDefault: convDefaults,
		convStore:   convStore,
		botID:       botID,
		sessionID:   sessionID,
		defaultPort: defaultPort,
	}
}

// SetSystem writes a sys.* value. Used at run bootstrap for user_message,
// session_id, bot_id, user_id, request_id, and updated between feedback turns.
func (p *Pool) SetSystem(key string, v Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.system[key] = v
}

// GetSystem reads a sys.* value.
func (p *Pool) GetSystem(key string) (Value, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.system[key]
	return v, ok
}

// SetEnv writes an env.* value. Called once at run start while hydrating
// the pool from the graph's environment_variables table; immutable afterward
// by convention (the executor never calls this after step 3 of §4.6).
func (p *Pool) SetEnv(key string, v Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.env[key] = v
}

// GetEnv reads an env.* value.
func (p *Pool) GetEnv(key string) (Value, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.env[key]
	return v, ok
}

// SetConversation writes a conv.* value, updating the in-memory cache
// immediately and writing through to the session store (if configured).
// The pool's own mutex is held only while the cache is updated; the store
// write runs after it is released, and no per-session lock is taken.
func (p *Pool) SetConversation(ctx context.Context, key string, v Value) error {
	p.mu.Lock()
	p.convCache[key] = v
	store := p.convStore
	bot, sess := p.botID, p.sessionID
	p.mu.Unlock()

	if store == nil {
		return nil
	}
	return store.Set(ctx, bot, sess, key, v)
}

// GetConversation reads a conv.* value, preferring the in-memory cache
// (most recent write in this run), then the session store, then the
// graph-declared default for that key (empty string for unset string ports,
// zero value otherwise per §4.1).
func (p *Pool) GetConversation(ctx context.Context, key string) (Value, bool) {
	p.mu.RLock()
	if v, ok := p.convCache[key]; ok {
		p.mu.RUnlock()
		return v, true
	}
	store := p.convStore
	bot, sess := p.botID, p.sessionID
	p.mu.RUnlock()

	if store != nil {
		if v, ok, err := store.Get(ctx, bot, sess, key); err == nil && ok {
			p.mu.Lock()
			p.convCache[key] = v
			p.mu.Unlock()
			return v, true
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.convDefault[key]; ok {
		return v, true
	}
	return Null, false
}

// SetNodeOutput writes one output port's value for a node, recording the
// node's type so selectors without an explicit port can resolve via
// DefaultPortFunc.
func (p *Pool) SetNodeOutput(nodeID, nodeType, port string, v Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.outputs[nodeID]; !ok {
		p.outputs[nodeID] = make(map[string]Value)
	}
	p.outputs[nodeID][port] = v
	if nodeType != "" {
		p.nodeTyp[nodeID] = nodeType
	}
}

// GetNodeOutput reads one output port, or all outputs for nodeID when port
// is empty.
func (p *Pool) GetNodeOutput(nodeID, port string) (Value, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	outs, ok := p.outputs[nodeID]
	if !ok {
		return Null, false
	}
	if port == "" {
		return Map(outs), true
	}
	v, ok := outs[port]
	return v, ok
}

// HasNodeOutputs reports whether nodeID has produced any recorded output
// (i.e. it ran to completion rather than being skipped). Used by the
// executor's branch-gate eligibility check (§4.6 step 4).
func (p *Pool) HasNodeOutputs(nodeID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.outputs[nodeID]
	return ok
}

// Resolve implements the selector grammar of §3.1/§4.1: parse "scope.rest",
// dispatch to the scope, then walk rest segment-by-segment (integer segment
// indexes a list, string segment looks up a map field; any other
// combination yields (Null, false)).
//
// A selector without a dot is treated as a bare node id whose value is the
// node's single declared/implied default output port.
func (p *Pool) Resolve(ctx context.Context, selector string) (Value, bool) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return Null, false
	}

	head, rest, hasDot := cutFirst(selector)
	if !hasDot {
		// Bare node id: resolve via the default output port convention.
		p.mu.RLock()
		nodeType := p.nodeTyp[selector]
		p.mu.RUnlock()
		port := p.defaultPort(nodeType)
		v, ok := p.GetNodeOutput(selector, port)
		return v, ok
	}

	scope, isScope := CanonicalScope(head)
	if isScope {
		key, tail := splitSegment(rest)
		var base Value
		var found bool
		switch scope {
		case ScopeSystem:
			base, found = p.GetSystem(key)
		case ScopeEnv:
			base, found = p.GetEnv(key)
		case ScopeConversation:
			base, found = p.GetConversation(ctx, key)
		default:
			return Null, false
		}
		if !found {
			return Null, false
		}
		return walk(base, tail)
	}

	// head is a node id; rest is "port[.tail...]".
	port, tail := splitSegment(rest)
	v, found := p.GetNodeOutput(head, port)
	if !found {
		return Null, false
	}
	return walk(v, tail)
}

// walk traverses tail ("" or "a.b.c") against base one segment at a time.
func walk(base Value, tail string) (Value, bool) {
	if tail == "" {
		return base, true
	}
	seg, rest := splitSegment(tail)
	next, ok := base.Index(seg)
	if !ok {
		return Null, false
	}
	return walk(next, rest)
}

// cutFirst splits selector into its first dotted segment and the remainder,
// reporting whether a dot was present at all.
func cutFirst(selector string) (head, rest string, hasDot bool) {
	idx := strings.IndexByte(selector, '.')
	if idx < 0 {
		return selector, "", false
	}
	return selector[:idx], selector[idx+1:], true
}

// splitSegment splits "a.b.c" into ("a", "b.c"); ("a", "") if there is no dot.
func splitSegment(s string) (head, rest string) {
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}
