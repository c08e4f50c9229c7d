// Package runner is the task-queue entry point. It runs one test case end to
// end (lookup, compile, execute, score) within a single queue attempt and
// maps the outcome onto exactly one terminal task status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/flowtest/internal/compiler"
	"github.com/flexinfer/flowtest/internal/criteria"
	"github.com/flexinfer/flowtest/internal/engine"
	"github.com/flexinfer/flowtest/internal/flowstore"
	"github.com/flexinfer/flowtest/internal/metrics"
	"github.com/flexinfer/flowtest/internal/node"
	"github.com/flexinfer/flowtest/internal/provider"
	"github.com/flexinfer/flowtest/pkg/types"
)

// taskNamespace scopes deterministic task ids.
var taskNamespace = uuid.MustParse("6f1c2a5e-9b0d-4c53-8f7e-3d2b1a0c9e84")

// TaskID derives the task id of one attempt of a case. Redelivery of the same
// attempt maps to the same id; a retry gets a fresh id and event stream.
func TaskID(caseID string, attempt int) string {
	return uuid.NewSHA1(taskNamespace, []byte(caseID+":"+strconv.Itoa(attempt))).String()
}

// IsRetryable reports whether the queue may retry a task that ended with err.
// Only external-call failures qualify; compile defects never do.
func IsRetryable(err error) bool {
	var defects compiler.DefectList
	if errors.As(err, &defects) {
		return false
	}
	return provider.IsRetryable(err)
}

// Compiler compiles wire graphs. *compiler.Compiler implements it.
type Compiler interface {
	CompilePayload(p types.GraphPayload) (*compiler.Plan, error)
}

// Executor runs plans. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, taskID string, plan *compiler.Plan, in node.RunInput) (*engine.Result, error)
	Cancel(taskID string) error
	Running(taskID string) bool
}

// Scorer evaluates rule sets. *criteria.Evaluator implements it.
type Scorer interface {
	Evaluate(ctx context.Context, rs *criteria.RuleSet, output string, opts ...criteria.EvalOption) *criteria.Result
}

// Request is one queue delivery.
type Request struct {
	CaseID string `json:"case_id"`
	// FlowID overrides the case's flow when set.
	FlowID string `json:"flow_id,omitempty"`
	// Input overrides the case's input text when set.
	Input         string         `json:"input,omitempty"`
	InputMetadata map[string]any `json:"input_metadata,omitempty"`
	Attempt       int            `json:"attempt"`
}

// Outcome is the terminal result of one attempt.
type Outcome struct {
	TaskID   string
	Status   types.TaskStatus
	Run      *engine.Result
	Criteria *criteria.Result
	// Err is the cause of a FAILED or SYSTEM_ERROR status that did not come
	// from criteria.
	Err error
	// Replayed is set when the attempt had already finished and was not run again.
	Replayed bool
	// InFlight is set when another delivery of the attempt is still running.
	// Status is then RUNNING and nothing was recorded.
	InFlight bool
}

// Retryable reports whether the queue should retry this attempt.
func (o *Outcome) Retryable() bool {
	return o.Status == types.TaskStatusSystemError && IsRetryable(o.Err)
}

// Runner runs test cases.
type Runner struct {
	store    flowstore.Store
	compiler Compiler
	executor Executor
	scorer   Scorer
	logger   *slog.Logger
}

// New creates a runner.
func New(store flowstore.Store, c Compiler, x Executor, s Scorer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, compiler: c, executor: x, scorer: s, logger: logger}
}

// Cancel signals a running task.
func (r *Runner) Cancel(taskID string) error {
	return r.executor.Cancel(taskID)
}

// Enqueue records a QUEUED task for req unless the attempt already has a
// record, which is returned unchanged.
func (r *Runner) Enqueue(ctx context.Context, req Request) (*flowstore.Task, error) {
	taskID := TaskID(req.CaseID, req.Attempt)
	prev, err := r.store.GetTask(ctx, taskID)
	if err == nil {
		return prev, nil
	}
	if !errors.Is(err, flowstore.ErrTaskNotFound) {
		return nil, &provider.ExternalCallError{Provider: "flowstore", Retryable: true, Err: err}
	}
	task := &flowstore.Task{
		ID:      taskID,
		CaseID:  req.CaseID,
		FlowID:  req.FlowID,
		Attempt: req.Attempt,
		Status:  types.TaskStatusQueued,
	}
	if err := r.store.PutTask(ctx, task); err != nil {
		return nil, &provider.ExternalCallError{Provider: "flowstore", Retryable: true, Err: err}
	}
	return task, nil
}

// Run executes one attempt and records its status transitions. It returns an
// Outcome with a terminal status, except for a duplicate delivery of an
// attempt that is still running, which returns an InFlight outcome and
// leaves the record to the delivery that owns it.
func (r *Runner) Run(ctx context.Context, req Request) *Outcome {
	taskID := TaskID(req.CaseID, req.Attempt)
	logger := r.logger.With("task_id", taskID, "case_id", req.CaseID, "attempt", req.Attempt)

	if r.executor.Running(taskID) {
		return r.inFlight(logger, taskID)
	}
	if prev, err := r.store.GetTask(ctx, taskID); err == nil && prev.Status.IsTerminal() {
		logger.Info("attempt already finished", "status", prev.Status)
		out := &Outcome{TaskID: taskID, Status: prev.Status, Criteria: prev.Criteria, Replayed: true}
		if prev.Error != "" {
			out.Err = errors.New(prev.Error)
		}
		return out
	}

	started := time.Now().UTC()
	task := &flowstore.Task{
		ID:        taskID,
		CaseID:    req.CaseID,
		FlowID:    req.FlowID,
		Attempt:   req.Attempt,
		Status:    types.TaskStatusRunning,
		StartedAt: &started,
	}
	if err := r.store.PutTask(ctx, task); err != nil {
		return r.finish(ctx, logger, task, &Outcome{
			TaskID: taskID,
			Status: types.TaskStatusSystemError,
			Err:    &provider.ExternalCallError{Provider: "flowstore", Retryable: true, Err: err},
		})
	}

	out := r.run(ctx, logger, taskID, task, req)
	if out.InFlight {
		return out
	}
	return r.finish(ctx, logger, task, out)
}

func (r *Runner) inFlight(logger *slog.Logger, taskID string) *Outcome {
	logger.Info("attempt already running, ignoring duplicate delivery")
	return &Outcome{TaskID: taskID, Status: types.TaskStatusRunning, InFlight: true}
}

func (r *Runner) run(ctx context.Context, logger *slog.Logger, taskID string, task *flowstore.Task, req Request) *Outcome {
	out := &Outcome{TaskID: taskID}

	tc, err := r.store.GetCase(ctx, req.CaseID)
	if err != nil {
		return r.lookupFailure(out, fmt.Errorf("load case %s: %w", req.CaseID, err))
	}
	flowID := tc.FlowID
	if req.FlowID != "" {
		flowID = req.FlowID
	}
	task.FlowID = flowID

	flow, err := r.store.GetFlow(ctx, flowID)
	if err != nil {
		return r.lookupFailure(out, fmt.Errorf("load flow %s: %w", flowID, err))
	}

	plan, err := r.compiler.CompilePayload(flow.Graph)
	if err != nil {
		logger.Info("flow rejected by compiler", "flow_id", flowID, "error", err)
		out.Status = types.TaskStatusFailed
		out.Err = err
		return out
	}

	in := node.RunInput{Text: tc.Input, Metadata: tc.InputMetadata}
	if req.Input != "" {
		in.Text = req.Input
	}
	if req.InputMetadata != nil {
		in.Metadata = req.InputMetadata
	}

	res, err := r.executor.Execute(ctx, taskID, plan, in)
	if errors.Is(err, engine.ErrTaskRunning) {
		return r.inFlight(logger, taskID)
	}
	if err != nil {
		out.Status = types.TaskStatusSystemError
		out.Err = err
		return out
	}
	out.Run = res

	switch res.Status {
	case types.RunStatusCancelled:
		out.Status = types.TaskStatusCancelled
		return out
	case types.RunStatusSucceeded:
	default:
		out.Status = types.TaskStatusFailed
		out.Err = fmt.Errorf("run %s: %d node(s) failed", res.Status, len(res.Failed))
		return out
	}

	if tc.Criteria == nil || len(tc.Criteria.Rules) == 0 {
		out.Status = types.TaskStatusPassed
		return out
	}
	out.Criteria = r.scorer.Evaluate(ctx, tc.Criteria, res.Output())
	switch {
	case out.Criteria.StopReason == criteria.StopCancelled:
		out.Status = types.TaskStatusCancelled
	case out.Criteria.Passed:
		out.Status = types.TaskStatusPassed
	default:
		out.Status = types.TaskStatusFailed
	}
	return out
}

// lookupFailure classifies a store read error: a missing record fails the
// task, anything else is a store outage worth retrying.
func (r *Runner) lookupFailure(out *Outcome, err error) *Outcome {
	if errors.Is(err, flowstore.ErrCaseNotFound) || errors.Is(err, flowstore.ErrFlowNotFound) {
		out.Status = types.TaskStatusFailed
		out.Err = err
		return out
	}
	out.Status = types.TaskStatusSystemError
	out.Err = &provider.ExternalCallError{Provider: "flowstore", Retryable: true, Err: err}
	return out
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, task *flowstore.Task, out *Outcome) *Outcome {
	finished := time.Now().UTC()
	task.Status = out.Status
	task.FinishedAt = &finished
	task.Criteria = out.Criteria
	if out.Run != nil {
		task.RunStatus = out.Run.Status
		task.Output = out.Run.Output()
	}
	if out.Err != nil {
		task.Error = out.Err.Error()
	}

	// the terminal record must land even when the attempt was cancelled
	if err := r.store.PutTask(context.WithoutCancel(ctx), task); err != nil {
		logger.Error("failed to record task status", "status", out.Status, "error", err)
	}

	metrics.TasksTotal.WithLabelValues(string(out.Status)).Inc()
	logger.Info("task finished",
		"status", out.Status,
		"retryable", out.Retryable(),
		"error", out.Err,
	)
	return out
}
