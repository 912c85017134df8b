// Package executor implements the WorkflowExecutor (C6): validate and
// normalize a graph, compute its execution order, then walk that order
// sequentially against a VariablePool, dispatching each node to its
// registered handler and persisting the run's NodeExecution trail.
//
// This engine never runs more than one node at a time within a run, per
// §5's strictly-sequential walk: there is no worker pool, no queue depth,
// and no backpressure timeout to configure, only per-node and per-run
// wall-clock budgets and a capped retry/backoff schedule.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/emit"
	"github.com/kasmira-labs/chatflow/metrics"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/store"
	"github.com/kasmira-labs/chatflow/validator"
	"github.com/kasmira-labs/chatflow/workflow"
)

// Options configures an Executor's timeouts and retry schedule (§5).
type Options struct {
	// NodeTimeout bounds one handler's Run call. Zero uses the §5 default
	// of 60s.
	NodeTimeout time.Duration

	// RunTimeout bounds the whole walk. Zero uses the §5 default of 300s.
	RunTimeout time.Duration

	// RetryBackoff is the capped exponential backoff schedule for
	// recoverable node failures (§4.6 step 5e). Zero uses the §4.6
	// default of [100ms, 400ms] (at most 2 retries).
	RetryBackoff []time.Duration

	// Metrics, if set, receives node-latency/retry and run-outcome
	// observations (§2.2). Nil disables recording.
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.NodeTimeout <= 0 {
		o.NodeTimeout = 60 * time.Second
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 300 * time.Second
	}
	if o.RetryBackoff == nil {
		o.RetryBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond}
	}
	return o
}

// Executor is the C6 WorkflowExecutor.
type Executor struct {
	reg     *node.Registry
	st      store.Store
	emitter emit.Emitter
	opts    Options
}

// New builds an Executor against a sealed registry, a persistence Store,
// and an Emitter for the run-completed log event (§4.13/§6.3).
func New(reg *node.Registry, st store.Store, emitter emit.Emitter, opts Options) *Executor {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Executor{reg: reg, st: st, emitter: emitter, opts: opts.withDefaults()}
}

// Request is the input to Execute, generalizing §6.1's ExecuteRequest to
// Go's context/error idioms: deadline travels on ctx, and the event
// publisher/HTTP client/LLM client/vector store are already closed over by
// the handlers registered on reg (nodes.Services), not passed per-call.
type Request struct {
	WorkflowVersionID string
	SessionID         string
	UserMessage       string
	BotID             string
	UserID            string

	// Stream receives incremental tokens from streaming node handlers
	// (currently only LLM). Optional.
	Stream node.StreamFunc
}

// Response mirrors §6.1's ExecuteResponse.
type Response struct {
	RunID         string
	FinalResponse string
	Status        workflow.RunStatus
	TotalTokens   int
	TotalSteps    int
	ElapsedMS     int64
	Err           error
}

// branchRequirement names one (branch node, output port) pair a node's
// dormancy is conditioned on, derived from an edge whose source is a
// branch node (§4.6 step 4).
type branchRequirement struct {
	branchNode string
	port       string
}

// Execute runs graph to completion for one conversation turn, implementing
// §4.6's seven-step algorithm.
func (ex *Executor) Execute(ctx context.Context, graph *workflow.Graph, req Request) Response {
	runID := uuid.NewString()
	started := time.Now()

	// Step 1: validate and normalize the graph. Validate mutates graph in
	// place (port normalization, mapping synthesis, self-mapping
	// rewrite); every later step reads the normalized graph.
	vres, err := validator.Validate(graph, ex.reg)
	if err != nil {
		return ex.failBeforeRun(runID, req, started, apperr.Wrap(apperr.ValidationFailed, "executor: validate graph", err))
	}
	if !vres.OK {
		msg := "graph failed validation"
		if len(vres.Errors) > 0 {
			msg = vres.Errors[0].String()
		}
		return ex.failBeforeRun(runID, req, started, apperr.New(apperr.ValidationFailed, msg))
	}

	// Step 2: compute execution order, open the run record.
	order, err := validator.ExecutionOrder(graph)
	if err != nil {
		return ex.failBeforeRun(runID, req, started, apperr.Wrap(apperr.ValidationFailed, "executor: compute execution order", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, ex.opts.RunTimeout)
	defer cancel()

	run := workflow.WorkflowRun{
		ID:                runID,
		BotID:             req.BotID,
		SessionID:         req.SessionID,
		WorkflowVersionID: req.WorkflowVersionID,
		Status:            workflow.RunRunning,
		UserMessage:       req.UserMessage,
		StartedAt:         started,
	}
	if err := ex.st.CreateRun(runCtx, run); err != nil {
		return ex.failBeforeRun(runID, req, started, apperr.Wrap(apperr.ValidationFailed, "executor: create run record", err))
	}

	ports := validator.EffectivePorts(graph, ex.reg)

	// Step 3: initialize the VariablePool.
	p := pool.New(req.BotID, req.SessionID, ex.st, convDefaults(graph), ex.reg.DefaultPort)
	for k, v := range graph.EnvironmentVariables {
		p.SetEnv(k, pool.FromAny(v))
	}
	p.SetSystem("user_message", pool.String(req.UserMessage))
	p.SetSystem("session_id", pool.String(req.SessionID))
	p.SetSystem("bot_id", pool.String(req.BotID))
	p.SetSystem("user_id", pool.String(req.UserID))
	p.SetSystem("request_id", pool.String(uuid.NewString()))

	nodeCtx := node.WithPool(runCtx, p)
	nodeCtx = node.WithRunInfo(nodeCtx, node.RunInfo{RunID: runID, SessionID: req.SessionID, BotID: req.BotID, UserID: req.UserID})
	nodeCtx = node.WithStream(nodeCtx, req.Stream)

	// Step 4: branch-gate map, built once from the (now-normalized) edges.
	gates := buildBranchGates(graph)
	firedBranch := map[string]string{}
	skipped := map[string]bool{}

	var executions []workflow.NodeExecution
	seq := 0
	totalTokens := 0

	var lastAnswer string
	var answerReached bool
	var endResponse string
	var endReached bool

	var runErr *apperr.Error

	// Step 5: walk execution_order.
	for _, nodeID := range order {
		n, _ := graph.NodeByID(nodeID)

		if err := nodeCtx.Err(); err != nil {
			runErr = cancellationError(err)
			break
		}

		if dormant(n, gates, firedBranch, skipped) {
			skipped[nodeID] = true
			seq++
			executions = append(executions, workflow.NodeExecution{
				ID: uuid.NewString(), RunID: runID, NodeID: nodeID, NodeType: n.Type,
				Status: workflow.NodeStatusSkipped, SequenceNum: seq,
				StartedAt: time.Now(), FinishedAt: time.Now(),
			})
			continue
		}

		in, missingPort, unresolved := resolveInputs(nodeCtx, p, n, ports[n.ID])
		if unresolved {
			seq++
			nodeErr := apperr.New(apperr.NodeInputUnresolved,
				fmt.Sprintf("node %s: required input %q could not be resolved", nodeID, missingPort)).WithNode(nodeID)
			executions = append(executions, failedExecution(runID, n, seq, nil, nodeErr))
			runErr = nodeErr
			break
		}

		nodeStart := time.Now()
		result, retries, execErr := ex.dispatch(nodeCtx, n, in)
		seq++

		if execErr != nil {
			appErr := asAppErr(execErr, nodeID)
			ex.opts.Metrics.RecordNodeLatency(string(n.Type), time.Since(nodeStart), "error")
			executions = append(executions, failedExecutionWithRetries(runID, n, seq, inputsToJSON(in), appErr, retries, nodeStart))
			runErr = appErr
			break
		}
		ex.opts.Metrics.RecordNodeLatency(string(n.Type), time.Since(nodeStart), "success")

		for port, v := range result.Outputs {
			p.SetNodeOutput(nodeID, string(n.Type), port, v)
		}
		if validator.IsBranchNode(n) {
			firedBranch[nodeID] = result.Branch
		}

		if n.Type == workflow.NodeAnswer {
			if v, ok := result.Outputs["final_output"]; ok {
				lastAnswer, _ = v.AsString()
				answerReached = true
			}
		}
		if n.Type == workflow.NodeEnd {
			endResponse, _ = in["response"].AsString()
			endReached = true
		}

		totalTokens += usageTokens(result)

		executions = append(executions, workflow.NodeExecution{
			ID: uuid.NewString(), RunID: runID, NodeID: nodeID, NodeType: n.Type,
			Status: workflow.NodeStatusSucceeded, SequenceNum: seq,
			Inputs: inputsToJSON(in), Outputs: outputsToJSON(result.Outputs),
			RetryCount: retries, StartedAt: nodeStart, FinishedAt: time.Now(),
			DurationMS: time.Since(nodeStart).Milliseconds(),
		})
	}

	// Step 6: determine final_response. An End node's resolved "response"
	// input wins; otherwise fall back to the most recently executed
	// Answer's final_output. Neither reached is itself a run failure.
	finalResponse := endResponse
	if !endReached {
		finalResponse = lastAnswer
	}
	if runErr == nil && !endReached && !answerReached {
		runErr = apperr.New(apperr.ValidationFailed, "no Answer or End node produced a response")
	}

	status := workflow.RunSucceeded
	switch {
	case runErr != nil && runErr.Kind == apperr.Cancelled:
		status = workflow.RunCancelled
	case runErr != nil && runErr.Kind == apperr.RunTimeout:
		status = workflow.RunTimedOut
	case runErr != nil:
		status = workflow.RunFailed
	}

	// Step 7: finalize the run record and recorder trail.
	finished := time.Now()
	run.Status = status
	run.FinalResponse = finalResponse
	run.FinishedAt = &finished
	run.DurationMS = finished.Sub(started).Milliseconds()
	if runErr != nil {
		run.ErrorKind = string(runErr.Kind)
		run.ErrorMessage = runErr.Message
		run.ErrorNodeID = runErr.NodeID
	}

	_ = ex.st.FinishRun(ctx, run)
	if len(executions) > 0 {
		_ = ex.st.RecordNodeExecutions(ctx, executions)
	}
	ex.emitCompletion(ctx, run, executions)
	ex.opts.Metrics.IncrementRun(string(status))

	resp := Response{
		RunID: runID, FinalResponse: finalResponse, Status: status,
		TotalTokens: totalTokens, TotalSteps: countCompleted(executions),
		ElapsedMS: run.DurationMS,
	}
	if runErr != nil {
		resp.Err = runErr
	}
	return resp
}

// failBeforeRun reports a failure that occurs before a WorkflowRun record
// could be (or needed to be) written — graph validation failures write no
// run record at all per §7's table.
func (ex *Executor) failBeforeRun(runID string, req Request, started time.Time, err *apperr.Error) Response {
	return Response{
		RunID: runID, Status: workflow.RunFailed,
		ElapsedMS: time.Since(started).Milliseconds(), Err: err,
	}
}

// emitCompletion fire-and-forgets the §6.3 workflow.log event; recorder
// failure never fails the run (§4.13).
func (ex *Executor) emitCompletion(ctx context.Context, run workflow.WorkflowRun, executions []workflow.NodeExecution) {
	defer func() { _ = recover() }()
	ex.emitter.Emit(emit.Event{
		RunID: run.ID,
		Msg:   "workflow.log",
		Meta: map[string]interface{}{
			"event_type": "workflow.log",
			"run":        run,
			"node_count": len(executions),
		},
	})
}

// dispatch runs n's handler under a per-node timeout, retrying recoverable
// apperr.Kinds up to the schedule in ex.opts.RetryBackoff (§4.6 step 5e,
// §7's llm_rate_limit/llm_timeout rows).
func (ex *Executor) dispatch(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, int, error) {
	handler, ok := ex.reg.Lookup(n.Type)
	if !ok {
		return node.Result{}, 0, apperr.New(apperr.ValidationFailed, "executor: no handler registered for type "+string(n.Type)).WithNode(n.ID)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		nodeCtx, cancel := context.WithTimeout(ctx, ex.opts.NodeTimeout)
		result, err := handler.Run(nodeCtx, n, in)
		cancel()
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		kind := apperr.KindOf(err, apperr.LLMAPIError)
		if attempt >= maxRetriesFor(kind) {
			return node.Result{}, attempt, lastErr
		}
		ex.opts.Metrics.IncrementNodeRetries(string(n.Type), string(kind))

		backoff := ex.opts.RetryBackoff[len(ex.opts.RetryBackoff)-1]
		if attempt < len(ex.opts.RetryBackoff) {
			backoff = ex.opts.RetryBackoff[attempt]
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return node.Result{}, attempt + 1, ctx.Err()
		}
	}
}

// maxRetriesFor implements §7's retry column: llm_rate_limit retries up to
// twice, llm_timeout once, everything else is not retried at this layer.
func maxRetriesFor(kind apperr.Kind) int {
	switch kind {
	case apperr.LLMRateLimit:
		return 2
	case apperr.LLMTimeout:
		return 1
	default:
		return 0
	}
}

// buildBranchGates maps a node id to the branch requirements gating it: one
// entry per incoming edge whose source is a branch node (if-else or
// question-classifier). A node reachable from more than one branch output
// (or from none) is gated by an OR of its entries — eligible the moment any
// one of them fires.
func buildBranchGates(graph *workflow.Graph) map[string][]branchRequirement {
	gates := map[string][]branchRequirement{}
	for _, e := range graph.Edges {
		src, ok := graph.NodeByID(e.Source)
		if !ok || !validator.IsBranchNode(src) {
			continue
		}
		gates[e.Target] = append(gates[e.Target], branchRequirement{branchNode: e.Source, port: e.SourcePort})
	}
	return gates
}

// dormant reports whether n must be skipped this run: either it is the
// direct target of a branch edge whose branch never fired, or it depends
// (via VariableMappings) on a node that was itself skipped, cascading
// dormancy transitively (§4.6 step 4).
func dormant(n workflow.Node, gates map[string][]branchRequirement, fired map[string]string, skipped map[string]bool) bool {
	if reqs, ok := gates[n.ID]; ok {
		for _, r := range reqs {
			if branch, ran := fired[r.branchNode]; ran && branch == r.port {
				return false
			}
		}
		return true
	}
	for _, sel := range n.VariableMappings {
		if src, ok := selectorSourceNode(sel); ok && skipped[src] {
			return true
		}
	}
	return false
}

// selectorSourceNode returns the node id a (non-reserved-scope) selector's
// head names, or ("", false) for a reserved-scope selector.
func selectorSourceNode(selector string) (string, bool) {
	head, _, found := strings.Cut(selector, ".")
	if !found {
		head = selector
	}
	if _, isScope := pool.CanonicalScope(head); isScope {
		return "", false
	}
	return head, true
}

// resolveInputs resolves every declared and ad-hoc VariableMappings entry
// for n against p. A required declared port that fails to resolve is
// reported via (missingPort, true); anything else unresolved is simply
// omitted from the returned Inputs (nodes like Code/TemplateTransform pass
// through whatever their own mappings happen to name).
func resolveInputs(ctx context.Context, p *pool.Pool, n workflow.Node, ports workflow.Ports) (node.Inputs, string, bool) {
	required := map[string]bool{}
	for _, port := range ports.Inputs {
		required[port.Name] = port.Required
	}

	in := node.Inputs{}
	for key, sel := range n.VariableMappings {
		v, ok := p.Resolve(ctx, sel)
		if ok {
			in[key] = v
			continue
		}
		if req, declared := required[key]; declared && req {
			return in, key, true
		}
	}
	for name, req := range required {
		if !req {
			continue
		}
		if _, has := in[name]; !has {
			return in, name, true
		}
	}
	return in, "", false
}

// convDefaults converts a graph's declared conversation_variables defaults
// to the pool.Value map pool.New expects.
func convDefaults(graph *workflow.Graph) map[string]pool.Value {
	out := make(map[string]pool.Value, len(graph.ConversationVariables))
	for k, v := range graph.ConversationVariables {
		out[k] = pool.FromAny(v)
	}
	return out
}

// usageTokens sums input+output tokens from a node's "usage" output, if
// present, for the run's total_tokens accounting (§4.6 step 7).
func usageTokens(result node.Result) int {
	usage, ok := result.Outputs["usage"]
	if !ok {
		return 0
	}
	m, ok := usage.AsMap()
	if !ok {
		return 0
	}
	total := 0
	if v, ok := m["input_tokens"]; ok {
		if n, ok := v.AsNumber(); ok {
			total += int(n)
		}
	}
	if v, ok := m["output_tokens"]; ok {
		if n, ok := v.AsNumber(); ok {
			total += int(n)
		}
	}
	return total
}

func countCompleted(executions []workflow.NodeExecution) int {
	n := 0
	for _, e := range executions {
		if e.Status == workflow.NodeStatusSucceeded {
			n++
		}
	}
	return n
}

func inputsToJSON(in node.Inputs) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v.String()
	}
	return out
}

func outputsToJSON(outputs map[string]pool.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(outputs))
	for k, v := range outputs {
		out[k] = v.String()
	}
	return out
}

func failedExecution(runID string, n workflow.Node, seq int, in map[string]interface{}, err *apperr.Error) workflow.NodeExecution {
	now := time.Now()
	return workflow.NodeExecution{
		ID: uuid.NewString(), RunID: runID, NodeID: n.ID, NodeType: n.Type,
		Status: workflow.NodeStatusFailed, SequenceNum: seq, Inputs: in,
		ErrorKind: string(err.Kind), ErrorMessage: err.Message,
		StartedAt: now, FinishedAt: now,
	}
}

func failedExecutionWithRetries(runID string, n workflow.Node, seq int, in map[string]interface{}, err *apperr.Error, retries int, startedAt time.Time) workflow.NodeExecution {
	finished := time.Now()
	return workflow.NodeExecution{
		ID: uuid.NewString(), RunID: runID, NodeID: n.ID, NodeType: n.Type,
		Status: workflow.NodeStatusFailed, SequenceNum: seq, Inputs: in,
		ErrorKind: string(err.Kind), ErrorMessage: err.Message, RetryCount: retries,
		StartedAt: startedAt, FinishedAt: finished, DurationMS: finished.Sub(startedAt).Milliseconds(),
	}
}

// asAppErr normalizes err (which may already be an *apperr.Error stamped by
// the handler, or a raw context error) to one carrying nodeID.
func asAppErr(err error, nodeID string) *apperr.Error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.WithNode(nodeID)
	}
	return apperr.Wrap(apperr.LLMAPIError, err.Error(), err).WithNode(nodeID)
}

func cancellationError(err error) *apperr.Error {
	if err == context.DeadlineExceeded {
		return apperr.New(apperr.RunTimeout, "executor: run wall-clock budget exceeded")
	}
	return apperr.New(apperr.Cancelled, "executor: run cancelled")
}
