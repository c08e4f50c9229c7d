// Package provider defines the contract between model-backed nodes and the
// language-model vendors that serve them. Vendor choice is pluggable; the
// package ships an OpenAI-compatible HTTP adapter and a deterministic static
// provider.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Common errors.
var (
	ErrProviderExists   = errors.New("provider already registered")
	ErrProviderNotFound = errors.New("provider not found")
)

// Message is one turn of a chat exchange.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec is a tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is a single completion request.
type Request struct {
	Model       string
	Temperature *float64
	System      string
	Messages    []Message
	MaxTokens   int
	Tools       []ToolSpec
	// JSON asks the model for a JSON object response.
	JSON bool
}

// Response is the result of a completion.
type Response struct {
	Text      string
	Model     string
	ToolCalls []ToolCall
}

// Provider completes chat requests against one vendor.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// ExternalCallError marks a failure of an external dependency. Retryable
// reports whether repeating the same call may succeed.
type ExternalCallError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call %s failed: %v", e.Provider, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// IsRetryable reports whether err carries a retryable ExternalCallError.
func IsRetryable(err error) bool {
	var ext *ExternalCallError
	return errors.As(err, &ext) && ext.Retryable
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p. The first registered provider becomes the default.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderExists, name)
	}
	r.providers[name] = p
	if r.fallback == "" {
		r.fallback = name
	}
	return nil
}

// Get returns the named provider; an empty name selects the default.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
