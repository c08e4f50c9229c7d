package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/flexinfer/flowtest/internal/artifact"
	"github.com/flexinfer/flowtest/internal/compiler"
	"github.com/flexinfer/flowtest/internal/eventlog"
	"github.com/flexinfer/flowtest/internal/handle"
	"github.com/flexinfer/flowtest/internal/node"
	"github.com/flexinfer/flowtest/internal/provider"
	"github.com/flexinfer/flowtest/pkg/types"
)

// harness registers test node types whose behaviour is driven by
// parameters and records every process call.
type harness struct {
	mu      sync.Mutex
	calls   map[string]int
	blocked chan string
}

func newHarness() *harness {
	return &harness{calls: make(map[string]int), blocked: make(chan string, 8)}
}

func (h *harness) record(tag string) {
	h.mu.Lock()
	h.calls[tag]++
	h.mu.Unlock()
}

func (h *harness) called(tag string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[tag]
}

var tagParam = node.Parameter{Name: "tag", Type: handle.String{}}

type srcNode struct{ h *harness }

func (n *srcNode) Spec() node.Spec {
	return node.Spec{
		Name:       "src",
		Outputs:    []node.Output{{Name: "out", Type: handle.String{}}},
		Parameters: []node.Parameter{tagParam, {Name: "value", Type: handle.String{}}, {Name: "delay", Type: handle.Number{}}},
	}
}

func (n *srcNode) Process(ctx context.Context, in node.Inputs, p node.Params) (node.Outputs, error) {
	n.h.record(p.String("tag"))
	if d, ok := p.Float("delay"); ok {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}
	v := p.String("value")
	if v == "" {
		if run, ok := node.RunInputFrom(ctx); ok {
			v = run.Text
		}
	}
	return node.Outputs{"out": v}, nil
}

// stepNode appends its tag to the input. mode selects a fault.
type stepNode struct{ h *harness }

func (n *stepNode) Spec() node.Spec {
	return node.Spec{
		Name:       "step",
		Inputs:     []node.Input{{Name: "in", Type: handle.String{}, Required: true, AllowIncomingEdges: true}},
		Outputs:    []node.Output{{Name: "out", Type: handle.String{}}},
		Parameters: []node.Parameter{tagParam, {Name: "mode", Type: handle.String{}}},
	}
}

func (n *stepNode) Process(ctx context.Context, in node.Inputs, p node.Params) (node.Outputs, error) {
	tag := p.String("tag")
	n.h.record(tag)
	switch p.String("mode") {
	case "fail":
		return nil, errors.New("boom")
	case "panic":
		panic("kaboom")
	case "block":
		n.h.blocked <- tag
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return node.Outputs{"out": in.String("in") + "." + tag}, nil
}

type joinNode struct{ h *harness }

func (n *joinNode) Spec() node.Spec {
	return node.Spec{
		Name: "join",
		Inputs: []node.Input{{Name: "items", Type: handle.String{}, AllowIncomingEdges: true,
			AllowMultipleIncomingEdges: true}},
		Outputs:    []node.Output{{Name: "out", Type: handle.String{}}, {Name: "count", Type: handle.Number{}}},
		Parameters: []node.Parameter{tagParam},
	}
}

func (n *joinNode) Process(ctx context.Context, in node.Inputs, p node.Params) (node.Outputs, error) {
	n.h.record(p.String("tag"))
	items, _ := in["items"].([]any)
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprint(it))
	}
	return node.Outputs{"out": strings.Join(parts, "+"), "count": float64(len(items))}, nil
}

type routeNode struct{ h *harness }

func (n *routeNode) Spec() node.Spec {
	return node.Spec{
		Name: "route",
		Inputs: []node.Input{
			{Name: "routes", Type: handle.Router{}, Required: true},
			{Name: "in", Type: handle.String{}, Required: true, AllowIncomingEdges: true},
		},
		Outputs:    []node.Output{{Name: "route", Type: handle.String{}}},
		Parameters: []node.Parameter{tagParam, {Name: "pick", Type: handle.String{}}},
		Router:     &node.RouterSpec{LabelsInput: "routes", DecisionOutput: "route"},
	}
}

func (n *routeNode) Process(ctx context.Context, in node.Inputs, p node.Params) (node.Outputs, error) {
	n.h.record(p.String("tag"))
	pick := p.String("pick")
	return node.Outputs{"route": pick, pick: in.String("in")}, nil
}

// badNode returns an output no event can carry.
type badNode struct{ h *harness }

func (n *badNode) Spec() node.Spec {
	return node.Spec{
		Name:       "bad",
		Inputs:     []node.Input{{Name: "in", Type: handle.String{}, AllowIncomingEdges: true}},
		Outputs:    []node.Output{{Name: "out", Type: handle.String{}}},
		Parameters: []node.Parameter{tagParam},
	}
}

func (n *badNode) Process(ctx context.Context, in node.Inputs, p node.Params) (node.Outputs, error) {
	n.h.record(p.String("tag"))
	return node.Outputs{"out": math.NaN()}, nil
}

type toolerNode struct{ h *harness }

func (n *toolerNode) Spec() node.Spec {
	return node.Spec{
		Name:       "tooler",
		Inputs:     []node.Input{{Name: "in", Type: handle.String{}, Required: true, AllowIncomingEdges: true}},
		Outputs:    []node.Output{{Name: "out", Type: handle.String{}}, {Name: "tool", Type: handle.Tool{}}},
		Parameters: []node.Parameter{tagParam},
		CanBeTool:  true,
	}
}

func (n *toolerNode) Process(ctx context.Context, in node.Inputs, p node.Params) (node.Outputs, error) {
	n.h.record(p.String("tag"))
	return node.Outputs{"out": in.String("in")}, nil
}

func (n *toolerNode) BuildTool(p node.Params) (node.ToolDefinition, error) {
	return node.ToolDefinition{Name: "lookup_" + p.String("tag"), Description: "looks things up"}, nil
}

func (n *toolerNode) ProcessTool(ctx context.Context, args map[string]any, p node.Params) (string, error) {
	return fmt.Sprint(args["q"]), nil
}

type agentNode struct{ h *harness }

func (n *agentNode) Spec() node.Spec {
	return node.Spec{
		Name: "agent",
		Inputs: []node.Input{
			{Name: "in", Type: handle.String{}, Required: true, AllowIncomingEdges: true},
			{Name: "tools", Type: handle.AgentTool{}, AllowIncomingEdges: true, AllowMultipleIncomingEdges: true},
		},
		Outputs:    []node.Output{{Name: "text", Type: handle.String{}}},
		Parameters: []node.Parameter{tagParam},
	}
}

func (n *agentNode) Process(ctx context.Context, in node.Inputs, p node.Params) (node.Outputs, error) {
	n.h.record(p.String("tag"))
	tools, _ := in["tools"].([]any)
	var names []string
	for _, t := range tools {
		bound, ok := t.(*node.BoundTool)
		if !ok {
			return nil, fmt.Errorf("unexpected tool value %T", t)
		}
		answer, err := bound.Call(ctx, map[string]any{"q": in.String("in")})
		if err != nil {
			return nil, err
		}
		names = append(names, bound.ToolName()+"="+answer)
	}
	return node.Outputs{"text": strings.Join(names, ",")}, nil
}

func (h *harness) registry(t *testing.T) *node.Registry {
	t.Helper()
	reg := node.NewRegistry()
	reg.MustRegister(
		func() node.Node { return &srcNode{h} },
		func() node.Node { return &stepNode{h} },
		func() node.Node { return &joinNode{h} },
		func() node.Node { return &routeNode{h} },
		func() node.Node { return &toolerNode{h} },
		func() node.Node { return &agentNode{h} },
		func() node.Node { return &badNode{h} },
	)
	return reg
}

// nd declares a node whose tag parameter is its id.
func nd(id, typ string, params map[string]any) types.NodePayload {
	p := map[string]any{"tag": id}
	for k, v := range params {
		p[k] = v
	}
	return types.NodePayload{ID: id, Type: typ, Data: types.NodeData{Parameters: p}}
}

func edge(id, src, dst string) types.EdgePayload {
	return types.EdgePayload{ID: id, Source: src, Target: dst}
}

func mustPlan(t *testing.T, reg *node.Registry, p types.GraphPayload) *compiler.Plan {
	t.Helper()
	c, err := compiler.New(reg, nil)
	if err != nil {
		t.Fatalf("compiler.New failed: %v", err)
	}
	plan, err := c.CompilePayload(p)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return plan
}

func readEvents(t *testing.T, log eventlog.Log, taskID string) []*types.Event {
	t.Helper()
	events, err := log.Read(context.Background(), taskID, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return events
}

func eventsOf(events []*types.Event, typ types.EventType) []*types.Event {
	var out []*types.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func nodeEvents(events []*types.Event, nodeID string) []types.EventType {
	var out []types.EventType
	for _, e := range events {
		if e.NodeID == nodeID && e.Type != types.EventTypeBranchSelected {
			out = append(out, e.Type)
		}
	}
	return out
}

// checkLifecycle asserts the per-node event order and a single terminal event.
func checkLifecycle(t *testing.T, events []*types.Event) {
	t.Helper()
	if len(events) == 0 || events[0].Type != types.EventTypeRunStarted {
		t.Fatalf("expected run_started first, got %v", events)
	}
	terminal := 0
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("expected contiguous seq, got %d at %d", e.Seq, i)
		}
		if e.Type.IsTerminal() {
			terminal++
			if i != len(events)-1 {
				t.Errorf("terminal event %s is not last", e.Type)
			}
		}
	}
	if terminal != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminal)
	}

	state := make(map[string]types.EventType)
	for _, e := range events {
		if e.NodeID == "" || e.Type == types.EventTypeBranchSelected {
			continue
		}
		prev, seen := state[e.NodeID]
		switch e.Type {
		case types.EventTypeNodeStarted:
			if seen {
				t.Errorf("node %s started after %s", e.NodeID, prev)
			}
		case types.EventTypeNodeCompleted:
			if prev != types.EventTypeNodeStarted {
				t.Errorf("node %s completed without starting", e.NodeID)
			}
		case types.EventTypeNodeFailed:
			var p types.NodeFailedEvent
			e.Decode(&p)
			if !p.Propagated && prev != types.EventTypeNodeStarted {
				t.Errorf("node %s failed without starting", e.NodeID)
			}
			if p.Propagated && seen {
				t.Errorf("propagated failure of %s after %s", e.NodeID, prev)
			}
		case types.EventTypeNodeSkipped:
			if seen {
				t.Errorf("node %s skipped after %s", e.NodeID, prev)
			}
		}
		state[e.NodeID] = e.Type
	}
}

func newEngine(t *testing.T, cfg *Config, opts ...Option) (*harness, *Engine, *eventlog.MemoryLog) {
	t.Helper()
	h := newHarness()
	log := eventlog.NewMemoryLog(nil)
	t.Cleanup(func() { log.Close() })
	return h, New(h.registry(t), log, cfg, opts...), log
}

func TestExecute_LinearChain(t *testing.T) {
	h, eng, log := newEngine(t, nil)
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{nd("b", "step", nil), nd("in", "src", nil), nd("a", "step", nil)},
		Edges: []types.EdgePayload{edge("e1", "in", "a"), edge("e2", "a", "b")},
	})

	res, err := eng.Execute(context.Background(), "task-1", plan, node.RunInput{Text: "hello"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != types.RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", res.Status)
	}
	if got := res.Output(); got != "hello.a.b" {
		t.Errorf("expected output hello.a.b, got %q", got)
	}

	events := readEvents(t, log, "task-1")
	checkLifecycle(t, events)
	if len(events) != 8 {
		t.Errorf("expected 8 events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Type != types.EventTypeRunCompleted {
		t.Fatalf("expected run_completed, got %s", last.Type)
	}
	var payload types.RunCompletedEvent
	if err := last.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != types.RunStatusSucceeded || payload.Outputs["b"]["out"] != "hello.a.b" {
		t.Errorf("unexpected terminal payload %+v", payload)
	}
}

func TestExecute_FanInKeepsEdgeOrder(t *testing.T) {
	h, eng, _ := newEngine(t, nil)
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{
			nd("c", "src", map[string]any{"value": "c"}),
			nd("a", "src", map[string]any{"value": "a", "delay": 30}),
			nd("b", "src", map[string]any{"value": "b", "delay": 10}),
			nd("j", "join", nil),
		},
		Edges: []types.EdgePayload{
			{ID: "ea", Source: "a", Target: "j", TargetHandle: "items"},
			{ID: "eb", Source: "b", Target: "j", TargetHandle: "items"},
			{ID: "ec", Source: "c", Target: "j", TargetHandle: "items"},
		},
	})

	res, err := eng.Execute(context.Background(), "fan-in", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := res.Outputs["j"]["out"]; got != "a+b+c" {
		t.Errorf("expected aggregate in edge order a+b+c, got %v", got)
	}
}

func routerGraph(pick string) types.GraphPayload {
	return types.GraphPayload{
		Nodes: []types.NodePayload{
			nd("in", "src", map[string]any{"value": "q"}),
			{ID: "r", Type: "route", Data: types.NodeData{
				Values:     map[string]any{"routes": []any{"X", "Y"}},
				Parameters: map[string]any{"tag": "r", "pick": pick},
			}},
			nd("x1", "step", nil), nd("x2", "step", nil),
			nd("y1", "step", nil),
			nd("j", "join", nil),
		},
		Edges: []types.EdgePayload{
			edge("e0", "in", "r"),
			{ID: "ex", Source: "r", SourceHandle: "X", Target: "x1"},
			edge("ex2", "x1", "x2"),
			{ID: "ey", Source: "r", SourceHandle: "Y", Target: "y1"},
			{ID: "jx", Source: "x2", Target: "j", TargetHandle: "items"},
			{ID: "jy", Source: "y1", Target: "j", TargetHandle: "items"},
		},
	}
}

func TestExecute_RouterPrunesUnselectedBranch(t *testing.T) {
	h, eng, log := newEngine(t, nil)
	plan := mustPlan(t, h.registry(t), routerGraph("Y"))

	res, err := eng.Execute(context.Background(), "route", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != types.RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", res.Status)
	}
	if h.called("x1") != 0 || h.called("x2") != 0 {
		t.Error("pruned nodes must never be processed")
	}
	if diff := cmp.Diff([]string{"x1", "x2"}, res.Skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}
	if got := res.Outputs["j"]["out"]; got != "q.y1" {
		t.Errorf("expected join of the live branch only, got %v", got)
	}
	if res.Selected["r"] != "Y" {
		t.Errorf("expected selection Y, got %q", res.Selected["r"])
	}

	events := readEvents(t, log, "route")
	checkLifecycle(t, events)

	branch := eventsOf(events, types.EventTypeBranchSelected)
	if len(branch) != 1 {
		t.Fatalf("expected one branch_selected, got %d", len(branch))
	}
	var sel types.BranchSelectedEvent
	branch[0].Decode(&sel)
	want := types.BranchSelectedEvent{Label: "Y", Pruned: []string{"x1", "x2"}, Targets: []string{"y1"}}
	if diff := cmp.Diff(want, sel); diff != "" {
		t.Errorf("branch_selected mismatch (-want +got):\n%s", diff)
	}

	var skip types.NodeSkippedEvent
	eventsOf(events, types.EventTypeNodeSkipped)[0].Decode(&skip)
	if skip.Reason != SkipBranchNotSelected || skip.Router != "r" {
		t.Errorf("unexpected skip payload %+v", skip)
	}
	if diff := cmp.Diff([]types.EventType{types.EventTypeNodeSkipped}, nodeEvents(events, "x2")); diff != "" {
		t.Errorf("x2 events mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_FanInOnlyOnPrunedBranch(t *testing.T) {
	h, eng, log := newEngine(t, nil)
	g := routerGraph("X")
	// j only listens to the Y branch
	g.Edges = g.Edges[:len(g.Edges)-2]
	g.Edges = append(g.Edges, types.EdgePayload{ID: "jy", Source: "y1", Target: "j", TargetHandle: "items"})
	plan := mustPlan(t, h.registry(t), g)

	res, err := eng.Execute(context.Background(), "pruned-agg", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Nodes["j"] != types.NodeStatusSkipped {
		t.Fatalf("expected join to be skipped, got %s", res.Nodes["j"])
	}
	if h.called("j") != 0 {
		t.Error("a pruned fan-in must never be processed")
	}

	events := readEvents(t, log, "pruned-agg")
	checkLifecycle(t, events)

	var sel types.BranchSelectedEvent
	eventsOf(events, types.EventTypeBranchSelected)[0].Decode(&sel)
	if diff := cmp.Diff([]string{"y1", "j"}, sel.Pruned); diff != "" {
		t.Errorf("pruned mismatch (-want +got):\n%s", diff)
	}
	for _, id := range sel.Pruned {
		if diff := cmp.Diff([]types.EventType{types.EventTypeNodeSkipped}, nodeEvents(events, id)); diff != "" {
			t.Errorf("%s events mismatch (-want +got):\n%s", id, diff)
		}
	}
	for _, e := range eventsOf(events, types.EventTypeNodeSkipped) {
		var skip types.NodeSkippedEvent
		e.Decode(&skip)
		if skip.Reason != SkipBranchNotSelected || skip.Router != "r" {
			t.Errorf("%s: unexpected skip payload %+v", e.NodeID, skip)
		}
	}
}

func TestExecute_FanInWithProducerOutsideBranch(t *testing.T) {
	h, eng, log := newEngine(t, nil)
	g := routerGraph("X")
	// j listens to the Y branch and to a node no router controls
	g.Nodes = append(g.Nodes, nd("z", "src", map[string]any{"value": "z"}))
	g.Edges = g.Edges[:len(g.Edges)-2]
	g.Edges = append(g.Edges,
		types.EdgePayload{ID: "jy", Source: "y1", Target: "j", TargetHandle: "items"},
		types.EdgePayload{ID: "jz", Source: "z", Target: "j", TargetHandle: "items"},
	)
	plan := mustPlan(t, h.registry(t), g)

	res, err := eng.Execute(context.Background(), "mixed-agg", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Nodes["j"] != types.NodeStatusSucceeded {
		t.Fatalf("expected join to run, got %s", res.Nodes["j"])
	}
	if got := res.Outputs["j"]["out"]; got != "z" {
		t.Errorf("expected only the live producer, got %v", got)
	}

	events := readEvents(t, log, "mixed-agg")
	var sel types.BranchSelectedEvent
	eventsOf(events, types.EventTypeBranchSelected)[0].Decode(&sel)
	if diff := cmp.Diff([]string{"y1"}, sel.Pruned); diff != "" {
		t.Errorf("pruned mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_UnencodableOutput(t *testing.T) {
	h, eng, log := newEngine(t, nil)
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{
			nd("in", "src", map[string]any{"value": "v"}),
			nd("n", "bad", nil),
			nd("after", "step", nil),
			nd("side", "step", nil),
		},
		Edges: []types.EdgePayload{
			{ID: "e1", Source: "in", Target: "n", TargetHandle: "in"},
			edge("e2", "n", "after"),
			edge("e3", "in", "side"),
		},
	})

	res, err := eng.Execute(context.Background(), "nan", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("an output fault must not surface as an error, got %v", err)
	}
	if res.Status != types.RunStatusPartial {
		t.Errorf("expected partial, got %s", res.Status)
	}
	if res.Nodes["n"] != types.NodeStatusFailed || res.Nodes["after"] != types.NodeStatusFailed {
		t.Errorf("expected n and its subtree to fail, got %v", res.Nodes)
	}
	if res.Nodes["side"] != types.NodeStatusSucceeded {
		t.Errorf("sibling branch must be unaffected, got %s", res.Nodes["side"])
	}
	if !strings.Contains(res.Errors["n"], "encode outputs") {
		t.Errorf("unexpected error %q", res.Errors["n"])
	}

	events := readEvents(t, log, "nan")
	checkLifecycle(t, events)
	if diff := cmp.Diff([]types.EventType{types.EventTypeNodeStarted, types.EventTypeNodeFailed}, nodeEvents(events, "n")); diff != "" {
		t.Errorf("n events mismatch (-want +got):\n%s", diff)
	}
	if last := events[len(events)-1]; last.Type != types.EventTypeRunCompleted {
		t.Errorf("expected run_completed last, got %s", last.Type)
	}
}

func TestExecute_RerunGetsFreshEventKeys(t *testing.T) {
	h, eng, log := newEngine(t, nil)
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{nd("in", "src", map[string]any{"value": "v"}), nd("a", "step", nil)},
		Edges: []types.EdgePayload{edge("e1", "in", "a")},
	})

	first, err := eng.Execute(context.Background(), "again", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	second, err := eng.Execute(context.Background(), "again", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if first.ExecutionID == "" || first.ExecutionID == second.ExecutionID {
		t.Fatalf("expected distinct execution ids, got %q and %q", first.ExecutionID, second.ExecutionID)
	}

	events := readEvents(t, log, "again")
	d := eventlog.NewDedup()
	for _, e := range events {
		if !d.Accept(e) {
			t.Errorf("event %d (%s %s) dropped as a replay", e.Seq, e.NodeID, e.Type)
		}
	}
	if d.Offset() != int64(len(events)) {
		t.Errorf("expected offset %d, got %d", len(events), d.Offset())
	}
}

func TestExecute_FailurePropagation(t *testing.T) {
	tests := []struct {
		name       string
		graph      types.GraphPayload
		wantStatus types.RunStatus
		wantFailed []string
	}{
		{
			name: "sibling subtree keeps running",
			graph: types.GraphPayload{
				Nodes: []types.NodePayload{
					nd("in", "src", map[string]any{"value": "v"}),
					nd("f", "step", map[string]any{"mode": "fail"}),
					nd("d1", "step", nil), nd("d2", "step", nil),
					nd("s1", "step", nil),
				},
				Edges: []types.EdgePayload{edge("e1", "in", "f"), edge("e2", "f", "d1"), edge("e3", "d1", "d2"), edge("e4", "in", "s1")},
			},
			wantStatus: types.RunStatusPartial,
			wantFailed: []string{"f", "d1", "d2"},
		},
		{
			name: "no output survives",
			graph: types.GraphPayload{
				Nodes: []types.NodePayload{
					nd("in", "src", map[string]any{"value": "v"}),
					nd("f", "step", map[string]any{"mode": "fail"}),
					nd("d1", "step", nil),
				},
				Edges: []types.EdgePayload{edge("e1", "in", "f"), edge("e2", "f", "d1")},
			},
			wantStatus: types.RunStatusFailed,
			wantFailed: []string{"f", "d1"},
		},
		{
			name: "panic is a node failure",
			graph: types.GraphPayload{
				Nodes: []types.NodePayload{
					nd("in", "src", map[string]any{"value": "v"}),
					nd("p", "step", map[string]any{"mode": "panic"}),
				},
				Edges: []types.EdgePayload{edge("e1", "in", "p")},
			},
			wantStatus: types.RunStatusFailed,
			wantFailed: []string{"p"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, eng, log := newEngine(t, nil)
			plan := mustPlan(t, h.registry(t), tt.graph)

			res, err := eng.Execute(context.Background(), "fail", plan, node.RunInput{})
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("expected %s, got %s", tt.wantStatus, res.Status)
			}
			if diff := cmp.Diff(tt.wantFailed, res.Failed); diff != "" {
				t.Errorf("failed mismatch (-want +got):\n%s", diff)
			}
			if h.called("d1") != 0 || h.called("d2") != 0 {
				t.Error("downstream of a failure must not run")
			}

			events := readEvents(t, log, "fail")
			checkLifecycle(t, events)
			for _, e := range eventsOf(events, types.EventTypeNodeFailed) {
				var p types.NodeFailedEvent
				e.Decode(&p)
				if e.NodeID == "d1" && (!p.Propagated || p.Upstream != "f") {
					t.Errorf("expected d1 to fail by propagation from f, got %+v", p)
				}
			}
		})
	}
}

func TestExecute_Cancel(t *testing.T) {
	h, eng, log := newEngine(t, nil)
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{
			nd("in", "src", map[string]any{"value": "v"}),
			nd("blk", "step", map[string]any{"mode": "block"}),
			nd("after", "step", nil),
		},
		Edges: []types.EdgePayload{edge("e1", "in", "blk"), edge("e2", "blk", "after")},
	})

	if err := eng.Cancel("cancel"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound before start, got %v", err)
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := eng.Execute(context.Background(), "cancel", plan, node.RunInput{})
		done <- outcome{res, err}
	}()

	select {
	case <-h.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking node never started")
	}
	if err := eng.Cancel("cancel"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	if out.err != nil {
		t.Fatalf("Execute failed: %v", out.err)
	}
	if out.res.Status != types.RunStatusCancelled {
		t.Errorf("expected cancelled, got %s", out.res.Status)
	}
	if diff := cmp.Diff([]string{"blk", "after"}, out.res.Cancelled); diff != "" {
		t.Errorf("cancelled mismatch (-want +got):\n%s", diff)
	}
	if h.called("after") != 0 {
		t.Error("unstarted node must not run after cancel")
	}

	events := readEvents(t, log, "cancel")
	checkLifecycle(t, events)
	if n := len(eventsOf(events, types.EventTypeRunCancelled)); n != 1 {
		t.Errorf("expected exactly one run_cancelled, got %d", n)
	}
	if n := len(eventsOf(events, types.EventTypeRunCompleted)); n != 0 {
		t.Errorf("expected no run_completed, got %d", n)
	}
	if got := nodeEvents(events, "after"); len(got) != 0 {
		t.Errorf("expected no events for the unstarted node, got %v", got)
	}
	if eng.Running("cancel") {
		t.Error("task should be unregistered after Execute returns")
	}
}

func TestExecute_ContextCancelledBeforeStart(t *testing.T) {
	h, eng, log := newEngine(t, nil)
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{nd("in", "src", nil)},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := eng.Execute(ctx, "pre", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != types.RunStatusCancelled || h.called("in") != 0 {
		t.Errorf("expected a cancelled run with no processing, got %s", res.Status)
	}
	events := readEvents(t, log, "pre")
	if events[len(events)-1].Type != types.EventTypeRunCancelled {
		t.Errorf("expected run_cancelled last, got %s", events[len(events)-1].Type)
	}
}

func TestExecute_ToolMode(t *testing.T) {
	h, eng, _ := newEngine(t, nil)
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{
			nd("in", "src", map[string]any{"value": "weather"}),
			nd("t", "tooler", nil),
			nd("ag", "agent", nil),
		},
		Edges: []types.EdgePayload{
			{ID: "e0", Source: "in", Target: "ag", TargetHandle: "in"},
			{ID: "et", Source: "t", SourceHandle: "tool", Target: "ag", TargetHandle: "tools"},
		},
	})

	res, err := eng.Execute(context.Background(), "tools", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if h.called("t") != 0 {
		t.Error("tool-mode node must be bound, not processed")
	}
	if got := res.Output(); got != "lookup_t=weather" {
		t.Errorf("unexpected agent output %q", got)
	}
}

func TestExecute_ParallelismLimit(t *testing.T) {
	h, eng, _ := newEngine(t, &Config{MaxParallelism: 1})
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{
			nd("a", "src", map[string]any{"value": "a"}),
			nd("b", "src", map[string]any{"value": "b"}),
			nd("j", "join", nil),
		},
		Edges: []types.EdgePayload{
			{ID: "ea", Source: "a", Target: "j", TargetHandle: "items"},
			{ID: "eb", Source: "b", Target: "j", TargetHandle: "items"},
		},
	})
	res, err := eng.Execute(context.Background(), "serial", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outputs["j"]["out"] != "a+b" {
		t.Errorf("unexpected join output %v", res.Outputs["j"]["out"])
	}
}

func TestExecute_OffloadsLargeOutputs(t *testing.T) {
	backend := artifact.NewMemoryBackend()
	h, eng, log := newEngine(t, nil, WithOffloader(artifact.NewOffloader(backend, 64)))
	big := strings.Repeat("x", 256)
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{nd("in", "src", map[string]any{"value": big}), nd("a", "step", nil)},
		Edges: []types.EdgePayload{edge("e1", "in", "a")},
	})

	res, err := eng.Execute(context.Background(), "big", plan, node.RunInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outputs["in"]["out"] != big {
		t.Error("result must keep the full outputs")
	}

	for _, e := range eventsOf(readEvents(t, log, "big"), types.EventTypeNodeCompleted) {
		var p types.NodeCompletedEvent
		e.Decode(&p)
		if p.Artifact == nil || p.Outputs != nil {
			t.Errorf("node %s: expected an artifact reference only, got %+v", e.NodeID, p)
			continue
		}
		outs, err := artifact.Load(context.Background(), backend, p.Artifact)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if !strings.HasPrefix(fmt.Sprint(outs["out"]), big) {
			t.Errorf("node %s: offloaded snapshot is wrong", e.NodeID)
		}
	}
}

// failingLog rejects appends once limit events were written.
type failingLog struct {
	*eventlog.MemoryLog
	mu    sync.Mutex
	limit int
	n     int
}

func (l *failingLog) Append(ctx context.Context, taskID string, in types.EventInput) (*types.Event, error) {
	l.mu.Lock()
	l.n++
	over := l.n > l.limit
	l.mu.Unlock()
	if over {
		return nil, &provider.ExternalCallError{Provider: "redis", Retryable: true, Err: errors.New("connection refused")}
	}
	return l.MemoryLog.Append(ctx, taskID, in)
}

func TestExecute_BrokerFailure(t *testing.T) {
	h := newHarness()
	log := &failingLog{MemoryLog: eventlog.NewMemoryLog(nil), limit: 2}
	eng := New(h.registry(t), log, nil)
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{nd("in", "src", nil), nd("a", "step", nil), nd("b", "step", nil)},
		Edges: []types.EdgePayload{edge("e1", "in", "a"), edge("e2", "a", "b")},
	})

	_, err := eng.Execute(context.Background(), "broker", plan, node.RunInput{})
	var ext *provider.ExternalCallError
	if !errors.As(err, &ext) || !ext.Retryable {
		t.Fatalf("expected a retryable ExternalCallError, got %v", err)
	}
	if h.called("b") != 0 {
		t.Error("scheduling must stop once the broker fails")
	}
}

func TestExecute_DuplicateTask(t *testing.T) {
	h, eng, _ := newEngine(t, nil)
	plan := mustPlan(t, h.registry(t), types.GraphPayload{
		Nodes: []types.NodePayload{
			nd("in", "src", map[string]any{"value": "v"}),
			nd("blk", "step", map[string]any{"mode": "block"}),
		},
		Edges: []types.EdgePayload{edge("e1", "in", "blk")},
	})

	done := make(chan struct{})
	go func() {
		eng.Execute(context.Background(), "dup", plan, node.RunInput{})
		close(done)
	}()
	<-h.blocked

	if _, err := eng.Execute(context.Background(), "dup", plan, node.RunInput{}); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("expected ErrTaskRunning, got %v", err)
	}
	eng.Cancel("dup")
	<-done
}

func TestStatus(t *testing.T) {
	tests := []struct {
		cancelled, failed, sinkOK bool
		want                      types.RunStatus
	}{
		{false, false, true, types.RunStatusSucceeded},
		{false, false, false, types.RunStatusSucceeded},
		{false, true, true, types.RunStatusPartial},
		{false, true, false, types.RunStatusFailed},
		{true, false, true, types.RunStatusCancelled},
		{true, true, false, types.RunStatusCancelled},
	}
	for _, tt := range tests {
		if got := Status(tt.cancelled, tt.failed, tt.sinkOK); got != tt.want {
			t.Errorf("Status(%v, %v, %v) = %s, want %s", tt.cancelled, tt.failed, tt.sinkOK, got, tt.want)
		}
	}
}
