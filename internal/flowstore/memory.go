package flowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory.
// Suitable for testing and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string]*Flow
	cases map[string]*TestCase
	tasks map[string]*Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows: make(map[string]*Flow),
		cases: make(map[string]*TestCase),
		tasks: make(map[string]*Task),
	}
}

// clone deep-copies v so callers never share nested maps with the store.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("flowstore: clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("flowstore: clone: %v", err))
	}
	return out
}

func (s *MemoryStore) CreateFlow(ctx context.Context, req *CreateFlowRequest) (*Flow, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.flows[id]; exists {
		return nil, ErrFlowExists
	}

	now := time.Now().UTC()
	flow := &Flow{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Version:     1,
		Graph:       req.Graph,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.flows[id] = clone(flow)
	return flow, nil
}

func (s *MemoryStore) GetFlow(ctx context.Context, id string) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return clone(flow), nil
}

func (s *MemoryStore) UpdateFlow(ctx context.Context, id string, req *UpdateFlowRequest) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	applyUpdate(flow, req)
	return clone(flow), nil
}

func applyUpdate(flow *Flow, req *UpdateFlowRequest) {
	if req.Name != nil {
		flow.Name = *req.Name
	}
	if req.Description != nil {
		flow.Description = *req.Description
	}
	if req.Graph != nil {
		flow.Graph = *req.Graph
	}
	flow.Version++
	flow.UpdatedAt = time.Now().UTC()
}

func (s *MemoryStore) DeleteFlow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[id]; !ok {
		return ErrFlowNotFound
	}
	delete(s.flows, id)
	return nil
}

func (s *MemoryStore) ListFlows(ctx context.Context, opts *ListOptions) ([]*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flows := make([]*Flow, 0, len(s.flows))
	for _, flow := range s.flows {
		flows = append(flows, clone(flow))
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return paginate(flows, opts), nil
}

func (s *MemoryStore) PutCase(ctx context.Context, tc *TestCase) (*TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[tc.FlowID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, tc.FlowID)
	}
	stored := clone(tc)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.UpdatedAt = time.Now().UTC()
	s.cases[stored.ID] = stored
	return clone(stored), nil
}

func (s *MemoryStore) GetCase(ctx context.Context, id string) (*TestCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc, ok := s.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return clone(tc), nil
}

func (s *MemoryStore) PutTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := clone(task)
	stored.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = stored
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return clone(task), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
