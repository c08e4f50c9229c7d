package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/flexinfer/flowtest/internal/compiler"
	"github.com/flexinfer/flowtest/internal/criteria"
	"github.com/flexinfer/flowtest/internal/engine"
	"github.com/flexinfer/flowtest/internal/eventlog"
	"github.com/flexinfer/flowtest/internal/flowstore"
	"github.com/flexinfer/flowtest/internal/node"
	"github.com/flexinfer/flowtest/internal/nodes"
	"github.com/flexinfer/flowtest/internal/provider"
	"github.com/flexinfer/flowtest/pkg/types"
)

// countingExecutor counts Execute calls and can replace the result.
type countingExecutor struct {
	inner Executor
	calls atomic.Int32
	fn    func() (*engine.Result, error)
}

func (c *countingExecutor) Execute(ctx context.Context, taskID string, plan *compiler.Plan, in node.RunInput) (*engine.Result, error) {
	c.calls.Add(1)
	if c.fn != nil {
		return c.fn()
	}
	return c.inner.Execute(ctx, taskID, plan, in)
}

func (c *countingExecutor) Cancel(taskID string) error { return c.inner.Cancel(taskID) }

func (c *countingExecutor) Running(taskID string) bool { return c.inner.Running(taskID) }

// gateExecutor holds every execution until release is closed and reports the
// task as running meanwhile.
type gateExecutor struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
	running atomic.Bool
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gateExecutor) Execute(ctx context.Context, taskID string, plan *compiler.Plan, in node.RunInput) (*engine.Result, error) {
	g.calls.Add(1)
	g.running.Store(true)
	defer g.running.Store(false)
	g.entered <- struct{}{}
	<-g.release
	return &engine.Result{
		TaskID:  taskID,
		Status:  types.RunStatusSucceeded,
		Nodes:   map[string]types.NodeStatus{"out": types.NodeStatusSucceeded},
		Outputs: map[string]node.Outputs{"out": {"text": "ok: hello"}},
		Sinks:   []string{"out"},
	}, nil
}

func (g *gateExecutor) Cancel(taskID string) error { return engine.ErrTaskNotFound }

func (g *gateExecutor) Running(taskID string) bool { return g.running.Load() }

// flakyStore fails case lookups.
type flakyStore struct {
	flowstore.Store
	err error
}

func (s *flakyStore) GetCase(ctx context.Context, id string) (*flowstore.TestCase, error) {
	return nil, s.err
}

type harness struct {
	store  *flowstore.MemoryStore
	exec   *countingExecutor
	log    *eventlog.MemoryLog
	runner *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	providers := provider.NewRegistry()
	if err := providers.Register(&provider.Static{ProviderName: "echo", Prefix: "ok: "}); err != nil {
		t.Fatal(err)
	}
	reg, err := nodes.NewRegistry(nodes.Deps{Providers: providers})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	comp, err := compiler.New(reg, nil)
	if err != nil {
		t.Fatalf("compiler.New failed: %v", err)
	}
	log := eventlog.NewMemoryLog(nil)
	t.Cleanup(func() { log.Close() })

	h := &harness{
		store: flowstore.NewMemoryStore(),
		exec:  &countingExecutor{inner: engine.New(reg, log, nil)},
		log:   log,
	}
	h.runner = New(h.store, comp, h.exec, criteria.NewEvaluator(providers, nil, nil), nil)
	return h
}

func echoFlow() types.GraphPayload {
	return types.GraphPayload{
		Nodes: []types.NodePayload{
			{ID: "in", Type: nodes.TextInput},
			{ID: "chat", Type: nodes.ChatModel, Data: types.NodeData{Parameters: map[string]any{"provider": "echo"}}},
			{ID: "out", Type: nodes.TextOutput},
		},
		Edges: []types.EdgePayload{
			{Source: "in", Target: "chat", TargetHandle: "input"},
			{Source: "chat", SourceHandle: "response", Target: "out"},
		},
	}
}

func (h *harness) addCase(t *testing.T, flow types.GraphPayload, rs *criteria.RuleSet) string {
	t.Helper()
	ctx := context.Background()
	f, err := h.store.CreateFlow(ctx, &flowstore.CreateFlowRequest{Name: "flow", Graph: flow})
	if err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	tc, err := h.store.PutCase(ctx, &flowstore.TestCase{FlowID: f.ID, Input: "hello", Criteria: rs})
	if err != nil {
		t.Fatalf("PutCase failed: %v", err)
	}
	return tc.ID
}

func contains(id, value string) *criteria.RuleSet {
	return &criteria.RuleSet{Rules: []criteria.Rule{{
		ID: id, Type: criteria.RuleString, Config: map[string]any{"operation": "contains", "value": value},
	}}}
}

func TestRun_Criteria(t *testing.T) {
	tests := []struct {
		name   string
		rs     *criteria.RuleSet
		status types.TaskStatus
	}{
		{"passing criteria", contains("r1", "ok: hello"), types.TaskStatusPassed},
		{"failing criteria", contains("r1", "goodbye"), types.TaskStatusFailed},
		{"no criteria", nil, types.TaskStatusPassed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			caseID := h.addCase(t, echoFlow(), tt.rs)

			out := h.runner.Run(context.Background(), Request{CaseID: caseID, Attempt: 1})
			if out.Status != tt.status {
				t.Fatalf("expected %s, got %s (err %v)", tt.status, out.Status, out.Err)
			}
			if out.Run == nil || out.Run.Output() != "ok: hello" {
				t.Errorf("unexpected run output %+v", out.Run)
			}
			if out.Retryable() {
				t.Error("outcome should not be retryable")
			}

			task, err := h.store.GetTask(context.Background(), out.TaskID)
			if err != nil {
				t.Fatalf("GetTask failed: %v", err)
			}
			if task.Status != tt.status || task.Output != "ok: hello" || task.FinishedAt == nil {
				t.Errorf("unexpected task record %+v", task)
			}
			if tt.rs != nil && (task.Criteria == nil || task.Criteria.StopReason != criteria.StopCompleted) {
				t.Errorf("criteria result not recorded: %+v", task.Criteria)
			}

			events, _ := h.log.Read(context.Background(), out.TaskID, 0)
			if len(events) == 0 || events[len(events)-1].Type != types.EventTypeRunCompleted {
				t.Errorf("expected run_completed as last event, got %d events", len(events))
			}
		})
	}
}

func TestRun_InputOverride(t *testing.T) {
	h := newHarness(t)
	caseID := h.addCase(t, echoFlow(), contains("r1", "ok: override"))

	out := h.runner.Run(context.Background(), Request{CaseID: caseID, Input: "override", Attempt: 1})
	if out.Status != types.TaskStatusPassed {
		t.Errorf("expected PASSED, got %s (err %v)", out.Status, out.Err)
	}
}

func TestRun_CompileDefects(t *testing.T) {
	h := newHarness(t)
	flow := echoFlow()
	flow.Nodes = append(flow.Nodes, types.NodePayload{ID: "x", Type: "mystery"})
	caseID := h.addCase(t, flow, contains("r1", "ok"))

	out := h.runner.Run(context.Background(), Request{CaseID: caseID, Attempt: 1})
	if out.Status != types.TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", out.Status)
	}
	var defects compiler.DefectList
	if !errors.As(out.Err, &defects) || !defects.Has(compiler.CodeUnknownType) {
		t.Errorf("expected unknown_type defect, got %v", out.Err)
	}
	if IsRetryable(out.Err) || out.Retryable() {
		t.Error("compile defects must never be retried")
	}
	if h.exec.calls.Load() != 0 {
		t.Error("engine must not run a rejected flow")
	}
}

func TestRun_EngineOutcomes(t *testing.T) {
	brokerDown := &provider.ExternalCallError{Provider: "eventlog", Retryable: true, Err: errors.New("connection refused")}

	tests := []struct {
		name      string
		fn        func() (*engine.Result, error)
		status    types.TaskStatus
		retryable bool
	}{
		{"broker unavailable", func() (*engine.Result, error) { return nil, brokerDown }, types.TaskStatusSystemError, true},
		{"duplicate delivery in flight", func() (*engine.Result, error) { return nil, engine.ErrTaskRunning }, types.TaskStatusRunning, false},
		{"cancelled", func() (*engine.Result, error) {
			return &engine.Result{Status: types.RunStatusCancelled}, nil
		}, types.TaskStatusCancelled, false},
		{"partial", func() (*engine.Result, error) {
			return &engine.Result{Status: types.RunStatusPartial, Failed: []string{"chat"}}, nil
		}, types.TaskStatusFailed, false},
		{"failed", func() (*engine.Result, error) {
			return &engine.Result{Status: types.RunStatusFailed, Failed: []string{"chat"}}, nil
		}, types.TaskStatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.exec.fn = tt.fn
			caseID := h.addCase(t, echoFlow(), contains("r1", "ok"))

			out := h.runner.Run(context.Background(), Request{CaseID: caseID, Attempt: 1})
			if out.Status != tt.status {
				t.Fatalf("expected %s, got %s (err %v)", tt.status, out.Status, out.Err)
			}
			if out.Retryable() != tt.retryable {
				t.Errorf("expected retryable=%v, got %v", tt.retryable, out.Retryable())
			}
			if out.Criteria != nil {
				t.Error("criteria must only run on a succeeded run")
			}
			task, err := h.store.GetTask(context.Background(), out.TaskID)
			if err != nil {
				t.Fatalf("GetTask failed: %v", err)
			}
			if out.InFlight && task.Status.IsTerminal() {
				t.Errorf("an in-flight duplicate must not record a terminal status, got %s", task.Status)
			}
		})
	}
}

func TestRun_DuplicateDeliveryWhileRunning(t *testing.T) {
	h := newHarness(t)
	gate := newGateExecutor()
	r := New(h.store, h.runner.compiler, gate, h.runner.scorer, nil)
	caseID := h.addCase(t, echoFlow(), contains("r1", "ok"))
	ctx := context.Background()

	firstDone := make(chan *Outcome, 1)
	go func() { firstDone <- r.Run(ctx, Request{CaseID: caseID, Attempt: 1}) }()
	<-gate.entered

	dup := r.Run(ctx, Request{CaseID: caseID, Attempt: 1})
	if !dup.InFlight || dup.Status != types.TaskStatusRunning || dup.Retryable() {
		t.Errorf("expected an in-flight outcome, got %+v", dup)
	}
	task, err := h.store.GetTask(ctx, dup.TaskID)
	if err != nil || task.Status != types.TaskStatusRunning {
		t.Errorf("expected the record to stay RUNNING, got %+v %v", task, err)
	}

	close(gate.release)
	first := <-firstDone
	if first.Status != types.TaskStatusPassed {
		t.Fatalf("expected first delivery to pass, got %s (err %v)", first.Status, first.Err)
	}
	if gate.calls.Load() != 1 {
		t.Errorf("expected one execution, got %d", gate.calls.Load())
	}
	task, _ = h.store.GetTask(ctx, first.TaskID)
	if task.Status != types.TaskStatusPassed || task.Error != "" {
		t.Errorf("unexpected final record %+v", task)
	}
}

func TestEnqueue(t *testing.T) {
	h := newHarness(t)
	caseID := h.addCase(t, echoFlow(), contains("r1", "ok"))
	ctx := context.Background()
	req := Request{CaseID: caseID, Attempt: 1}

	task, err := h.runner.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if task.Status != types.TaskStatusQueued || task.ID != TaskID(caseID, 1) {
		t.Errorf("unexpected queued task %+v", task)
	}
	stored, err := h.store.GetTask(ctx, task.ID)
	if err != nil || stored.Status != types.TaskStatusQueued {
		t.Fatalf("expected a QUEUED record, got %+v %v", stored, err)
	}

	out := h.runner.Run(ctx, req)
	again, err := h.runner.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if again.Status != out.Status {
		t.Errorf("enqueue must not overwrite %s, got %s", out.Status, again.Status)
	}
}

func TestRun_Lookups(t *testing.T) {
	t.Run("missing case fails", func(t *testing.T) {
		h := newHarness(t)
		out := h.runner.Run(context.Background(), Request{CaseID: "nope", Attempt: 1})
		if out.Status != types.TaskStatusFailed || !errors.Is(out.Err, flowstore.ErrCaseNotFound) {
			t.Errorf("expected FAILED with ErrCaseNotFound, got %s %v", out.Status, out.Err)
		}
	})

	t.Run("missing flow override fails", func(t *testing.T) {
		h := newHarness(t)
		caseID := h.addCase(t, echoFlow(), nil)
		out := h.runner.Run(context.Background(), Request{CaseID: caseID, FlowID: "gone", Attempt: 1})
		if out.Status != types.TaskStatusFailed || !errors.Is(out.Err, flowstore.ErrFlowNotFound) {
			t.Errorf("expected FAILED with ErrFlowNotFound, got %s %v", out.Status, out.Err)
		}
	})

	t.Run("store outage is retryable", func(t *testing.T) {
		h := newHarness(t)
		store := &flakyStore{Store: h.store, err: errors.New("i/o timeout")}
		r := New(store, nil, h.exec, nil, nil)
		out := r.Run(context.Background(), Request{CaseID: "c", Attempt: 1})
		if out.Status != types.TaskStatusSystemError || !out.Retryable() {
			t.Errorf("expected retryable SYSTEM_ERROR, got %s %v", out.Status, out.Err)
		}
	})
}

func TestRun_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	caseID := h.addCase(t, echoFlow(), contains("r1", "ok"))
	ctx := context.Background()

	first := h.runner.Run(ctx, Request{CaseID: caseID, Attempt: 1})
	second := h.runner.Run(ctx, Request{CaseID: caseID, Attempt: 1})

	if !second.Replayed || second.Status != first.Status || second.TaskID != first.TaskID {
		t.Errorf("expected replay of %s, got %+v", first.Status, second)
	}
	if h.exec.calls.Load() != 1 {
		t.Errorf("expected one execution, got %d", h.exec.calls.Load())
	}

	retry := h.runner.Run(ctx, Request{CaseID: caseID, Attempt: 2})
	if retry.Replayed || retry.TaskID == first.TaskID {
		t.Error("a new attempt must run under a new task id")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t)
	caseID := h.addCase(t, echoFlow(), contains("r1", "ok"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.runner.Run(ctx, Request{CaseID: caseID, Attempt: 1})
	if out.Status != types.TaskStatusCancelled {
		t.Errorf("expected CANCELLED, got %s (err %v)", out.Status, out.Err)
	}
	task, err := h.store.GetTask(context.Background(), out.TaskID)
	if err != nil || task.Status != types.TaskStatusCancelled {
		t.Errorf("terminal status not recorded: %+v %v", task, err)
	}
}

func TestTaskID(t *testing.T) {
	if TaskID("case", 1) != TaskID("case", 1) {
		t.Error("task id must be deterministic")
	}
	if TaskID("case", 1) == TaskID("case", 2) {
		t.Error("attempts must get distinct ids")
	}
	if TaskID("case", 1) == TaskID("case2", 1) {
		t.Error("cases must get distinct ids")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"retryable external", &provider.ExternalCallError{Retryable: true, Err: errors.New("x")}, true},
		{"permanent external", &provider.ExternalCallError{Retryable: false, Err: errors.New("x")}, false},
		{"defects", compiler.DefectList{{Code: compiler.CodeCycle}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
