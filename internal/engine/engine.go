// Package engine executes compiled plans and publishes one event per
// observable transition to the task's event log.
//
// A run is driven by a single coordinator goroutine that owns all run state.
// Each runnable node is processed in its own goroutine, bounded by an
// optional parallelism semaphore, and reports back to the coordinator. Node
// goroutines publish their own started and completed/failed events so that a
// slow node never delays events of its siblings; the coordinator publishes
// skips, propagated failures, branch selections and the terminal event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/flowtest/internal/artifact"
	"github.com/flexinfer/flowtest/internal/compiler"
	"github.com/flexinfer/flowtest/internal/eventlog"
	"github.com/flexinfer/flowtest/internal/metrics"
	"github.com/flexinfer/flowtest/internal/node"
	"github.com/flexinfer/flowtest/internal/provider"
	"github.com/flexinfer/flowtest/pkg/types"
)

var (
	// ErrTaskNotFound is returned by Cancel for a task that is not running.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskRunning is returned when a task id is already executing.
	ErrTaskRunning = errors.New("task already running")
	// ErrCancelled is the cancellation cause set by Cancel.
	ErrCancelled = errors.New("run cancelled")
)

// NodeExecutionError wraps a fault raised while processing a node.
type NodeExecutionError struct {
	NodeID string
	Err    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// NodeFactory creates node instances by type name. *node.Registry implements it.
type NodeFactory interface {
	Create(name string) (node.Node, error)
}

// Config holds engine configuration.
type Config struct {
	// MaxParallelism limits concurrent node executions (0 = unlimited)
	MaxParallelism int

	// NodeTimeout bounds a single node's process call (0 = no limit)
	NodeTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithOffloader stores large output snapshots out of band.
func WithOffloader(o *artifact.Offloader) Option {
	return func(e *Engine) { e.offload = o }
}

// Engine runs compiled plans. It is safe for concurrent use; each task id
// may have at most one execution in flight.
type Engine struct {
	nodes       NodeFactory
	log         eventlog.Log
	offload     *artifact.Offloader
	logger      *slog.Logger
	sem         chan struct{}
	nodeTimeout time.Duration

	mu    sync.Mutex
	tasks map[string]context.CancelCauseFunc
}

// New creates an engine that instantiates nodes from nodes and publishes to log.
func New(nodes NodeFactory, log eventlog.Log, cfg *Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		nodes:       nodes,
		log:         log,
		logger:      slog.Default(),
		nodeTimeout: cfg.NodeTimeout,
		tasks:       make(map[string]context.CancelCauseFunc),
	}
	if cfg.MaxParallelism > 0 {
		e.sem = make(chan struct{}, cfg.MaxParallelism)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cancel signals the running task. Unstarted nodes are not scheduled, running
// nodes observe a cancelled context, and exactly one run_cancelled event is
// published once they return.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	cancel, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	cancel(ErrCancelled)
	return nil
}

// Running reports whether taskID is executing.
func (e *Engine) Running(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[taskID]
	return ok
}

func (e *Engine) register(ctx context.Context, taskID string) (context.Context, context.CancelCauseFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[taskID]; ok {
		return nil, nil, ErrTaskRunning
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	e.tasks[taskID] = cancel
	return runCtx, cancel, nil
}

func (e *Engine) unregister(taskID string) {
	e.mu.Lock()
	delete(e.tasks, taskID)
	e.mu.Unlock()
}

// Execute runs plan under taskID and blocks until the terminal event is
// published. Node faults never surface as errors; they are reported through
// events and Result. The error is non-nil only when the event log rejects an
// append, in which case it is a *provider.ExternalCallError when the broker
// is unreachable.
func (e *Engine) Execute(ctx context.Context, taskID string, plan *compiler.Plan, in node.RunInput) (*Result, error) {
	if plan == nil {
		return nil, errors.New("nil plan")
	}
	runCtx, cancel, err := e.register(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer e.unregister(taskID)
	defer cancel(nil)

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	r := newRun(e, taskID, uuid.NewString(), plan, node.WithRunInput(runCtx, in), cancel)
	res, err := r.loop()
	if res != nil {
		metrics.RunsTotal.WithLabelValues(string(res.Status)).Inc()
		metrics.RunDuration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())
	}
	return res, err
}

// publish appends an event keyed by execution. Publication outlives run
// cancellation so the terminal event always gets out. An unencodable payload
// is returned as is; only broker failures become ExternalCallErrors.
func (e *Engine) publish(ctx context.Context, taskID, execID string, in types.EventInput) error {
	if in.Key == "" {
		in.Key = types.EventKey(taskID, execID, in.NodeID, in.Type)
	}
	if _, err := e.log.Append(context.WithoutCancel(ctx), taskID, in); err != nil {
		metrics.PublishErrorsTotal.Inc()
		if errors.Is(err, eventlog.ErrEncode) {
			return err
		}
		var ext *provider.ExternalCallError
		if errors.As(err, &ext) {
			return err
		}
		return &provider.ExternalCallError{Provider: "eventlog", Retryable: true, Err: err}
	}
	metrics.EventsTotal.WithLabelValues(string(in.Type)).Inc()
	return nil
}
