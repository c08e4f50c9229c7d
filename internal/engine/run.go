package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/flexinfer/flowtest/internal/compiler"
	"github.com/flexinfer/flowtest/internal/handle"
	"github.com/flexinfer/flowtest/internal/metrics"
	"github.com/flexinfer/flowtest/internal/node"
	"github.com/flexinfer/flowtest/internal/tracing"
	"github.com/flexinfer/flowtest/pkg/types"
)

// Skip reasons carried by node_skipped.
const (
	SkipBranchNotSelected = "branch_not_selected"
	SkipUpstreamSkipped   = "upstream_skipped"
	SkipInputUnavailable  = "required_input_unavailable"
)

// nodeResult is what a node goroutine reports to the coordinator.
type nodeResult struct {
	nodeID     string
	started    bool
	outputs    node.Outputs
	err        error
	publishErr error
	duration   time.Duration
}

// run holds the state of one execution. Only the coordinator goroutine
// touches it.
type run struct {
	e      *Engine
	taskID string
	execID string
	plan   *compiler.Plan
	ctx    context.Context
	cancel context.CancelCauseFunc
	start  time.Time

	status    map[string]types.NodeStatus
	outputs   map[string]node.Outputs
	errs      map[string]string
	selected  map[string]string
	remaining map[string]int
	// pruned maps nodes cut off by a router decision to that router
	pruned map[string]string

	results   chan nodeResult
	running   int
	brokerErr error
}

func newRun(e *Engine, taskID, execID string, plan *compiler.Plan, ctx context.Context, cancel context.CancelCauseFunc) *run {
	r := &run{
		e:         e,
		taskID:    taskID,
		execID:    execID,
		plan:      plan,
		ctx:       ctx,
		cancel:    cancel,
		start:     time.Now(),
		status:    make(map[string]types.NodeStatus, len(plan.Order)),
		outputs:   make(map[string]node.Outputs),
		errs:      make(map[string]string),
		selected:  make(map[string]string),
		remaining: make(map[string]int, len(plan.Order)),
		pruned:    make(map[string]string),
		results:   make(chan nodeResult, len(plan.Order)),
	}
	for _, id := range plan.Order {
		r.status[id] = types.NodeStatusPending
		r.remaining[id] = len(plan.Steps[id].Predecessors)
	}
	return r
}

func (r *run) loop() (*Result, error) {
	logger := r.e.logger.With("task_id", r.taskID, "execution_id", r.execID)
	logger.Info("run started", "nodes", len(r.plan.Order), "stages", len(r.plan.Stages))

	if err := r.emit(types.EventInput{Type: types.EventTypeRunStarted, Data: map[string]any{
		"nodes":        len(r.plan.Order),
		"stages":       len(r.plan.Stages),
		"execution_id": r.execID,
	}}); err != nil {
		return nil, err
	}

	var sources []string
	for _, id := range r.plan.Order {
		if r.remaining[id] == 0 {
			sources = append(sources, id)
		}
	}
	r.settle(sources)

	done := r.ctx.Done()
	for r.running > 0 {
		select {
		case res := <-r.results:
			r.running--
			r.finish(res)
		case <-done:
			// stop scheduling and wait for running nodes to return
			done = nil
			logger.Info("run cancelling", "running", r.running, "cause", context.Cause(r.ctx))
		}
	}

	res, err := r.complete()
	logger.Info("run finished", "status", res.Status, "duration", res.Duration)
	return res, err
}

// settle decides the nodes in ids, whose predecessors are all terminal, and
// every node that becomes decidable as a consequence of a skip or a
// propagated failure.
func (r *run) settle(ids []string) {
	queue := ids
	for len(queue) > 0 {
		if r.ctx.Err() != nil {
			return
		}
		id := queue[0]
		queue = queue[1:]
		st := r.plan.Steps[id]

		d := r.decide(st)
		switch d.action {
		case actionRun:
			r.launch(st)
		case actionSkip:
			r.status[id] = types.NodeStatusSkipped
			metrics.NodesTotal.WithLabelValues(string(types.NodeStatusSkipped)).Inc()
			if r.emit(types.EventInput{Type: types.EventTypeNodeSkipped, NodeID: id,
				Data: types.NodeSkippedEvent{Reason: d.reason, Router: d.router}}) != nil {
				return
			}
			queue = append(queue, r.release(st)...)
		case actionFail:
			r.status[id] = types.NodeStatusFailed
			r.errs[id] = fmt.Sprintf("upstream node %s failed", d.upstream)
			metrics.NodesTotal.WithLabelValues(string(types.NodeStatusFailed)).Inc()
			if r.emit(types.EventInput{Type: types.EventTypeNodeFailed, NodeID: id,
				Data: types.NodeFailedEvent{Error: r.errs[id], Propagated: true, Upstream: d.upstream}}) != nil {
				return
			}
			queue = append(queue, r.release(st)...)
		}
	}
}

// release marks st terminal for its successors and returns those that have
// no pending predecessor left.
func (r *run) release(st *compiler.Step) []string {
	var ready []string
	for _, s := range st.Successors {
		r.remaining[s]--
		if r.remaining[s] == 0 {
			ready = append(ready, s)
		}
	}
	return ready
}

type action int

const (
	actionRun action = iota
	actionSkip
	actionFail
)

type decision struct {
	action   action
	reason   string
	router   string
	upstream string
}

// decide applies the execution policy to a node whose predecessors are all
// terminal. A node pruned by a router decision is skipped before any other
// rule applies, including the empty aggregate of a fan-in.
func (r *run) decide(st *compiler.Step) decision {
	if router, ok := r.pruned[st.NodeID]; ok {
		return decision{action: actionSkip, reason: SkipBranchNotSelected, router: router}
	}
	for _, p := range st.Predecessors {
		if r.status[p] == types.NodeStatusFailed {
			return decision{action: actionFail, upstream: p}
		}
	}
	if len(st.Inputs) == 0 {
		return decision{action: actionRun}
	}

	anyLive, aggregate := false, false
	var starved string
	var prunedBy string
	for _, b := range st.Inputs {
		if b.Aggregate {
			aggregate = true
		}
		live := false
		for _, src := range b.Sources {
			if r.live(src) {
				live = true
			} else if src.Label != "" && r.status[src.NodeID] == types.NodeStatusSucceeded && prunedBy == "" {
				prunedBy = src.NodeID
			}
		}
		if live {
			anyLive = true
		} else if b.Required && !b.Aggregate && starved == "" {
			starved = b.Name
		}
	}

	switch {
	case !anyLive && !aggregate:
		if prunedBy != "" {
			return decision{action: actionSkip, reason: SkipBranchNotSelected, router: prunedBy}
		}
		return decision{action: actionSkip, reason: SkipUpstreamSkipped}
	case starved != "":
		return decision{action: actionSkip, reason: SkipInputUnavailable, router: prunedBy}
	}
	return decision{action: actionRun}
}

// live reports whether src delivers a value: its node succeeded and, for a
// router branch edge, the branch was selected.
func (r *run) live(src compiler.SourceRef) bool {
	if r.status[src.NodeID] != types.NodeStatusSucceeded {
		return false
	}
	return src.Label == "" || r.selected[src.NodeID] == src.Label
}

func (r *run) edgeValue(src compiler.SourceRef) any {
	key := src.Handle
	if src.Label != "" {
		key = src.Label
	}
	return r.outputs[src.NodeID][key]
}

// gatherInputs resolves the input values of st from literals and live edges.
// Aggregate inputs always receive a sequence, possibly empty.
func (r *run) gatherInputs(st *compiler.Step) node.Inputs {
	in := make(node.Inputs, len(st.Values)+len(st.Inputs))
	for k, v := range st.Values {
		in[k] = v
	}
	for _, b := range st.Inputs {
		vals := make([]any, 0, len(b.Sources))
		for _, src := range b.Sources {
			if r.live(src) {
				vals = append(vals, r.edgeValue(src))
			}
		}
		switch {
		case b.Aggregate:
			in[b.Name] = vals
		case len(vals) > 0:
			in[b.Name] = vals[0]
		}
	}
	return in
}

func (r *run) launch(st *compiler.Step) {
	inputs := r.gatherInputs(st)
	params := make(node.Params, len(st.Parameters))
	for k, v := range st.Parameters {
		params[k] = v
	}
	r.status[st.NodeID] = types.NodeStatusRunning
	r.running++
	go r.e.runNode(r.ctx, r.taskID, r.execID, st, inputs, params, r.results)
}

func (r *run) finish(res nodeResult) {
	id := res.nodeID
	st := r.plan.Steps[id]
	if res.publishErr != nil {
		r.fail(res.publishErr)
	}

	switch {
	case !res.started && res.publishErr == nil:
		// never started because the run was cancelled
		r.status[id] = types.NodeStatusCancelled
		return
	case !res.started:
		r.status[id] = types.NodeStatusFailed
		r.errs[id] = res.publishErr.Error()
		return
	case res.err != nil:
		if r.ctx.Err() != nil && errors.Is(res.err, context.Canceled) {
			r.status[id] = types.NodeStatusCancelled
		} else {
			r.status[id] = types.NodeStatusFailed
		}
		r.errs[id] = res.err.Error()
	default:
		r.status[id] = types.NodeStatusSucceeded
		r.outputs[id] = res.outputs
		if st.Router != nil {
			r.selectBranch(st, res.outputs)
		}
	}
	metrics.NodesTotal.WithLabelValues(string(r.status[id])).Inc()
	r.settle(r.release(st))
}

func (r *run) selectBranch(st *compiler.Step, outputs node.Outputs) {
	rb := st.Router
	label, _ := outputs[rb.DecisionOutput].(string)
	r.selected[st.NodeID] = label

	keep := make(map[string]bool)
	for _, id := range rb.Branches[label] {
		keep[id] = true
	}
	seen := make(map[string]bool)
	var candidates []string
	for _, other := range rb.Labels {
		if other == label {
			continue
		}
		for _, id := range rb.Branches[other] {
			if !keep[id] && !seen[id] {
				seen[id] = true
				candidates = append(candidates, id)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return r.plan.Index(candidates[i]) < r.plan.Index(candidates[j]) })

	// plan order visits producers first, so a candidate is pruned once all
	// of its producers are
	var pruned []string
	for _, id := range candidates {
		if r.cutOff(r.plan.Steps[id], st.NodeID, label) {
			r.pruned[id] = st.NodeID
			pruned = append(pruned, id)
		}
	}

	r.e.logger.Debug("branch selected", "task_id", r.taskID, "node_id", st.NodeID, "label", label, "pruned", len(pruned))
	r.emit(types.EventInput{Type: types.EventTypeBranchSelected, NodeID: st.NodeID,
		Data: types.BranchSelectedEvent{Label: label, Pruned: pruned, Targets: rb.Roots[label]}})
}

// cutOff reports whether every producer of st is either an unselected label
// of router or a node already pruned.
func (r *run) cutOff(st *compiler.Step, router, label string) bool {
	if len(st.Predecessors) == 0 {
		return false
	}
	for _, p := range st.Predecessors {
		if p != router && r.pruned[p] == "" {
			return false
		}
	}
	for _, b := range st.Inputs {
		for _, src := range b.Sources {
			if src.NodeID == router && (src.Label == "" || src.Label == label) {
				return false
			}
		}
	}
	return true
}

// emit publishes from the coordinator. A broker failure stops the run.
func (r *run) emit(in types.EventInput) error {
	err := r.e.publish(r.ctx, r.taskID, r.execID, in)
	if err != nil {
		r.fail(err)
	}
	return err
}

func (r *run) fail(err error) {
	if r.brokerErr == nil {
		r.brokerErr = err
		r.e.logger.Error("event publish failed", "task_id", r.taskID, "error", err)
		r.cancel(err)
	}
}

func (r *run) complete() (*Result, error) {
	cancelled := r.ctx.Err() != nil
	for _, id := range r.plan.Order {
		if !r.status[id].IsTerminal() {
			r.status[id] = types.NodeStatusCancelled
			metrics.NodesTotal.WithLabelValues(string(types.NodeStatusCancelled)).Inc()
		}
	}

	res := r.result(cancelled)
	if r.brokerErr != nil {
		return res, r.brokerErr
	}

	payload := types.RunCompletedEvent{Status: res.Status, Failed: res.Failed, Skipped: res.Skipped}
	sinks := make(map[string]any)
	for _, id := range r.plan.Sinks {
		if outs, ok := r.outputs[id]; ok {
			sinks[id] = map[string]any(outs)
		}
	}
	inline, ref, err := r.e.offload.Snapshot(context.WithoutCancel(r.ctx), r.taskID, "_run", sinks)
	if err != nil {
		r.e.logger.Warn("offload run outputs failed", "task_id", r.taskID, "error", err)
		inline = sinks
	}
	if len(inline) > 0 {
		payload.Outputs = make(map[string]map[string]any, len(inline))
		for id, v := range inline {
			payload.Outputs[id], _ = v.(map[string]any)
		}
	}
	payload.Artifact = ref

	typ := types.EventTypeRunCompleted
	if cancelled {
		typ = types.EventTypeRunCancelled
		if cause := context.Cause(r.ctx); cause != nil {
			payload.Error = cause.Error()
		}
	}
	if err := r.e.publish(r.ctx, r.taskID, r.execID, types.EventInput{Type: typ, Data: payload}); err != nil {
		return res, err
	}
	return res, nil
}

func (r *run) result(cancelled bool) *Result {
	res := &Result{
		TaskID:      r.taskID,
		ExecutionID: r.execID,
		Nodes:    r.status,
		Outputs:  r.outputs,
		Errors:   r.errs,
		Selected: r.selected,
		Sinks:    r.plan.Sinks,
		Duration: time.Since(r.start),
	}
	for _, id := range r.plan.Order {
		switch r.status[id] {
		case types.NodeStatusFailed:
			res.Failed = append(res.Failed, id)
		case types.NodeStatusSkipped:
			res.Skipped = append(res.Skipped, id)
		case types.NodeStatusCancelled:
			res.Cancelled = append(res.Cancelled, id)
		}
	}
	sinkOK := false
	for _, id := range r.plan.Sinks {
		if r.status[id] == types.NodeStatusSucceeded {
			sinkOK = true
			break
		}
	}
	res.Status = Status(cancelled, len(res.Failed) > 0, sinkOK)
	return res
}

// runNode processes one node and publishes its own transitions.
func (e *Engine) runNode(ctx context.Context, taskID, execID string, st *compiler.Step, inputs node.Inputs, params node.Params, out chan<- nodeResult) {
	res := nodeResult{nodeID: st.NodeID}
	defer func() { out <- res }()

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	if err := e.publish(ctx, taskID, execID, types.EventInput{Type: types.EventTypeNodeStarted, NodeID: st.NodeID,
		Data: types.NodeStartedEvent{NodeType: st.Type, Stage: st.Depth}}); err != nil {
		res.publishErr = err
		return
	}
	res.started = true

	spanCtx, span := tracing.Start(ctx, "node.process",
		attribute.String("task.id", taskID),
		attribute.String("node.id", st.NodeID),
		attribute.String("node.type", st.Type),
	)
	begin := time.Now()
	outputs, err := e.process(spanCtx, st, inputs, params)
	if err == nil {
		err = encodable(outputs)
	}
	res.duration = time.Since(begin)
	tracing.End(span, err)
	metrics.NodeDuration.WithLabelValues(st.Type).Observe(res.duration.Seconds())

	if err != nil {
		res.err = &NodeExecutionError{NodeID: st.NodeID, Err: err}
		e.logger.Warn("node failed", "task_id", taskID, "node_id", st.NodeID, "error", err)
		res.publishErr = e.publish(ctx, taskID, execID, types.EventInput{Type: types.EventTypeNodeFailed, NodeID: st.NodeID,
			Data: types.NodeFailedEvent{Error: err.Error(), DurationMs: res.duration.Milliseconds()}})
		return
	}
	res.outputs = outputs

	inline, ref, err := e.offload.Snapshot(ctx, taskID, st.NodeID, outputs)
	if err != nil {
		e.logger.Warn("offload outputs failed", "task_id", taskID, "node_id", st.NodeID, "error", err)
		inline = outputs
	}
	res.publishErr = e.publish(ctx, taskID, execID, types.EventInput{Type: types.EventTypeNodeCompleted, NodeID: st.NodeID,
		Data: types.NodeCompletedEvent{Outputs: inline, Artifact: ref, DurationMs: res.duration.Milliseconds()}})
}

// process invokes the node. Tool-mode steps are bound instead of processed
// and expose the bound tool on every tool output.
func (e *Engine) process(ctx context.Context, st *compiler.Step, inputs node.Inputs, params node.Params) (outs node.Outputs, err error) {
	n, err := e.nodes.Create(st.Type)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			outs, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()

	if st.ToolMode {
		t, ok := n.(node.Tool)
		if !ok {
			return nil, fmt.Errorf("node type %s cannot be used as a tool", st.Type)
		}
		bound, err := node.BindTool(st.NodeID, t, params)
		if err != nil {
			return nil, err
		}
		outs = make(node.Outputs)
		for _, o := range st.Spec.Outputs {
			if o.Type.Kind() == handle.KindTool {
				outs[o.Name] = bound
			}
		}
		return outs, nil
	}

	if e.nodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.nodeTimeout)
		defer cancel()
	}
	outs, err = n.Process(ctx, inputs, params)
	if err != nil {
		return nil, err
	}
	if outs == nil {
		outs = make(node.Outputs)
	}
	if st.Router != nil {
		label, _ := outs[st.Router.DecisionOutput].(string)
		if !containsLabel(st.Router.Labels, label) {
			return nil, fmt.Errorf("router selected undeclared label %q", label)
		}
	}
	return outs, nil
}

// encodable rejects outputs that cannot travel in an event, such as NaN or a
// channel. Tool values are bound in process and carry their own encoding.
func encodable(outs node.Outputs) error {
	if _, err := json.Marshal(map[string]any(outs)); err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	return nil
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
