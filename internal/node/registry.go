package node

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/flexinfer/flowtest/internal/handle"
)

// Registry maps node names to their specs and factories.
//
// A registry is built once at startup from a static registration list and is
// read-only afterwards. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	specs     map[string]Spec
	factories map[string]Factory

	// catalog cache, reset on every registration
	catalog []byte
	etag    string
}

// NewRegistry creates an empty node registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:     make(map[string]Spec),
		factories: make(map[string]Factory),
	}
}

// Register adds the node produced by f. Returns ErrNodeExists if another
// node already claims the same name.
func (r *Registry) Register(f Factory) error {
	if f == nil {
		return fmt.Errorf("%w: nil factory", ErrInvalidSpec)
	}
	n := f()
	spec := n.Spec()
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.CanBeTool {
		if _, ok := n.(Tool); !ok {
			return fmt.Errorf("%w: %s: can_be_tool set but node does not implement Tool", ErrInvalidSpec, spec.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrNodeExists, spec.Name)
	}
	r.specs[spec.Name] = spec
	r.factories[spec.Name] = f
	r.catalog = nil
	r.etag = ""
	return nil
}

// MustRegister is Register for static registration lists; it panics on error.
func (r *Registry) MustRegister(factories ...Factory) {
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	return spec, ok
}

// All returns every registered spec ordered by name.
func (r *Registry) All() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted()
}

// sorted must be called with r.mu held.
func (r *Registry) sorted() []Spec {
	specs := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Create returns a fresh instance of the named node.
func (r *Registry) Create(name string) (Node, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	return f(), nil
}

// CatalogJSON returns the deterministic serialization of the full catalog.
func (r *Registry) CatalogJSON() ([]byte, error) {
	data, _, err := r.Catalog()
	return data, err
}

// ETag returns a strong validation tag for the current catalog.
func (r *Registry) ETag() (string, error) {
	_, tag, err := r.Catalog()
	return tag, err
}

// Catalog returns the serialized catalog and its tag. Both are computed once
// and invalidated by Register. The cache is filled under the write lock so a
// concurrent registration can never be masked by a stale catalog.
func (r *Registry) Catalog() ([]byte, string, error) {
	r.mu.RLock()
	if r.catalog != nil {
		defer r.mu.RUnlock()
		return r.catalog, r.etag, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog != nil {
		return r.catalog, r.etag, nil
	}

	entries := make([]CatalogEntry, 0, len(r.specs))
	for _, s := range r.sorted() {
		entries = append(entries, Describe(s))
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, "", fmt.Errorf("marshal catalog: %w", err)
	}
	sum := sha256.Sum256(data)
	tag := `"` + hex.EncodeToString(sum[:]) + `"`

	r.catalog = data
	r.etag = tag
	return data, tag, nil
}

// CatalogEntry is the serialisable description of one node kind.
type CatalogEntry struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Icon        string       `json:"icon,omitempty"`
	Group       string       `json:"group,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Inputs      []PortEntry  `json:"inputs"`
	Outputs     []PortEntry  `json:"outputs"`
	Parameters  []PortEntry  `json:"parameters"`
	CanBeTool   bool         `json:"can_be_tool"`
	Router      *RouterEntry `json:"router,omitempty"`
}

// PortEntry describes one input, output or parameter.
type PortEntry struct {
	Name                       string             `json:"name"`
	Handle                     handle.Description `json:"handle"`
	Required                   bool               `json:"required,omitempty"`
	AllowIncomingEdges         bool               `json:"allow_incoming_edges,omitempty"`
	AllowMultipleIncomingEdges bool               `json:"allow_multiple_incoming_edges,omitempty"`
	Info                       string             `json:"info,omitempty"`
}

// RouterEntry describes the router ports of a node.
type RouterEntry struct {
	LabelsInput    string `json:"labels_input"`
	DecisionOutput string `json:"decision_output"`
}

// Describe converts a spec into its catalog entry. Declaration order of
// ports is preserved.
func Describe(s Spec) CatalogEntry {
	e := CatalogEntry{
		Name:        s.Name,
		Description: s.Description,
		Icon:        s.Icon,
		Group:       s.Group,
		Tags:        s.Tags,
		Inputs:      make([]PortEntry, 0, len(s.Inputs)),
		Outputs:     make([]PortEntry, 0, len(s.Outputs)),
		Parameters:  make([]PortEntry, 0, len(s.Parameters)),
		CanBeTool:   s.CanBeTool,
	}
	for _, in := range s.Inputs {
		e.Inputs = append(e.Inputs, PortEntry{
			Name:                       in.Name,
			Handle:                     in.Type.Describe(),
			Required:                   in.Required,
			AllowIncomingEdges:         in.AllowIncomingEdges,
			AllowMultipleIncomingEdges: in.AllowMultipleIncomingEdges,
			Info:                       in.Info,
		})
	}
	for _, out := range s.Outputs {
		e.Outputs = append(e.Outputs, PortEntry{Name: out.Name, Handle: out.Type.Describe(), Info: out.Info})
	}
	for _, p := range s.Parameters {
		e.Parameters = append(e.Parameters, PortEntry{Name: p.Name, Handle: p.Type.Describe(), Required: p.Required, Info: p.Info})
	}
	if s.Router != nil {
		e.Router = &RouterEntry{LabelsInput: s.Router.LabelsInput, DecisionOutput: s.Router.DecisionOutput}
	}
	return e
}
