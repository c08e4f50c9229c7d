// Package flowstore persists the records the runner looks up: flow
// definitions, test cases that pair a flow with an input and a rule set,
// and the status of each task attempt.
package flowstore

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/flowtest/internal/criteria"
	"github.com/flexinfer/flowtest/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrFlowExists   = errors.New("flow already exists")
	ErrCaseNotFound = errors.New("test case not found")
	ErrTaskNotFound = errors.New("task not found")
)

// Flow is a saved flow definition.
type Flow struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Version     int                `json:"version"`
	Graph       types.GraphPayload `json:"graph"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// CreateFlowRequest is the input for creating a flow.
type CreateFlowRequest struct {
	ID          string             `json:"id,omitempty"` // generated if empty
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Graph       types.GraphPayload `json:"graph"`
}

// Validate checks the request.
func (r *CreateFlowRequest) Validate() error {
	if r.Name == "" {
		return errors.New("flow name is required")
	}
	if len(r.Graph.Nodes) == 0 {
		return errors.New("flow graph has no nodes")
	}
	return nil
}

// UpdateFlowRequest replaces the set fields of a flow and bumps its version.
type UpdateFlowRequest struct {
	Name        *string             `json:"name,omitempty"`
	Description *string             `json:"description,omitempty"`
	Graph       *types.GraphPayload `json:"graph,omitempty"`
}

// TestCase pairs a flow with an input and the rule set that judges the
// flow's output.
type TestCase struct {
	ID            string            `json:"id"`
	FlowID        string            `json:"flow_id"`
	Name          string            `json:"name,omitempty"`
	Input         string            `json:"input"`
	InputMetadata map[string]any    `json:"input_metadata,omitempty"`
	Criteria      *criteria.RuleSet `json:"criteria,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Task is the persisted status of one queued test-case attempt.
type Task struct {
	ID         string           `json:"id"`
	CaseID     string           `json:"case_id"`
	FlowID     string           `json:"flow_id"`
	Attempt    int              `json:"attempt"`
	Status     types.TaskStatus `json:"status"`
	RunStatus  types.RunStatus  `json:"run_status,omitempty"`
	Output     string           `json:"output,omitempty"`
	Criteria   *criteria.Result `json:"criteria,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store defines flow, test case and task persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateFlow saves a new flow. Returns ErrFlowExists if the id is taken.
	CreateFlow(ctx context.Context, req *CreateFlowRequest) (*Flow, error)
	// GetFlow returns ErrFlowNotFound for an unknown id.
	GetFlow(ctx context.Context, id string) (*Flow, error)
	UpdateFlow(ctx context.Context, id string, req *UpdateFlowRequest) (*Flow, error)
	DeleteFlow(ctx context.Context, id string) error
	// ListFlows returns flows ordered by id.
	ListFlows(ctx context.Context, opts *ListOptions) ([]*Flow, error)

	// PutCase creates or replaces a test case. Its flow must exist.
	PutCase(ctx context.Context, tc *TestCase) (*TestCase, error)
	// GetCase returns ErrCaseNotFound for an unknown id.
	GetCase(ctx context.Context, id string) (*TestCase, error)

	// PutTask records a task status transition.
	PutTask(ctx context.Context, task *Task) error
	// GetTask returns ErrTaskNotFound for an unknown id.
	GetTask(ctx context.Context, id string) (*Task, error)

	Close() error
}

// Config selects a store implementation.
type Config struct {
	// Type is "memory" or "redis"
	Type  string
	Redis RedisConfig
}

// New creates the configured store.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		s, err := NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.New("unknown flow store type: " + cfg.Type)
}

func paginate[T any](items []T, opts *ListOptions) []T {
	if opts == nil {
		return items
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
