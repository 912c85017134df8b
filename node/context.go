package node

import (
	"context"

	"github.com/kasmira-labs/chatflow/pool"
)

// contextKey namespaces values the executor threads through ctx to every
// handler: the per-run VariablePool, run identifiers, and streaming sink a
// handler needs but that Handler.Run's signature does not carry directly.
type contextKey string

const (
	poolKey    contextKey = "chatflow.pool"
	runInfoKey contextKey = "chatflow.run_info"
	streamKey  contextKey = "chatflow.stream"
)

// RunInfo carries the identifiers every handler may need to stamp into a
// provider call or a conversation write, but that are constant for the
// whole run and so are threaded via ctx rather than Inputs.
type RunInfo struct {
	RunID     string
	SessionID string
	BotID     string
	UserID    string
}

// WithPool returns a context carrying p, the run's VariablePool. Handlers
// that must resolve arbitrary selectors beyond their declared input ports
// (Answer's and LLM's template rendering, §4.4.3/§4.4.4) read it back with
// PoolFrom.
func WithPool(ctx context.Context, p *pool.Pool) context.Context {
	return context.WithValue(ctx, poolKey, p)
}

// PoolFrom retrieves the VariablePool set by WithPool.
func PoolFrom(ctx context.Context) (*pool.Pool, bool) {
	p, ok := ctx.Value(poolKey).(*pool.Pool)
	return p, ok
}

// WithRunInfo returns a context carrying info.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey, info)
}

// RunInfoFrom retrieves the RunInfo set by WithRunInfo.
func RunInfoFrom(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runInfoKey).(RunInfo)
	return info, ok
}

// StreamFunc receives one incremental token produced by a streaming node.
// nodeID identifies the producing node so the caller's stream sink can
// multiplex several concurrently-dormant branches (not that v1 ever runs
// more than one node at a time, but the signature does not assume that).
type StreamFunc func(nodeID, delta string)

// WithStream returns a context carrying fn. A nil fn is a no-op sink,
// letting callers that don't care about streaming omit it without a nil
// check at every call site.
func WithStream(ctx context.Context, fn StreamFunc) context.Context {
	if fn == nil {
		fn = func(string, string) {}
	}
	return context.WithValue(ctx, streamKey, fn)
}

// StreamFrom retrieves the StreamFunc set by WithStream, or a no-op if none
// was set.
func StreamFrom(ctx context.Context) StreamFunc {
	fn, ok := ctx.Value(streamKey).(StreamFunc)
	if !ok {
		return func(string, string) {}
	}
	return fn
}
