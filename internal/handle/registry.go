package handle

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Factory builds a handle from its configuration. Invalid configuration
// fails here, never later at validation time.
type Factory func(config map[string]any) (HandleType, error)

// Registry maps handle kinds to factories.
//
// Registration is reject-on-duplicate for built-ins and custom kinds alike;
// there is no override path. To change a built-in, construct an empty
// registry with NewEmptyRegistry and register the replacement first.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewEmptyRegistry creates a registry with no kinds registered.
func NewEmptyRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// NewRegistry creates a registry pre-populated with the built-in kinds.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	for kind, f := range builtinFactories() {
		r.factories[kind] = f
	}
	return r
}

// Register adds a factory for kind. Returns ErrHandleExists if the kind is taken.
func (r *Registry) Register(kind Kind, f Factory) error {
	if kind == "" || f == nil {
		return fmt.Errorf("%w: kind and factory are required", ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("%w: %s", ErrHandleExists, kind)
	}
	r.factories[kind] = f
	return nil
}

// Lookup returns the factory for kind. It never fails loudly so callers can
// aggregate every unresolved kind in one pass.
func (r *Registry) Lookup(kind Kind) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[kind]
	return f, ok
}

// Create instantiates a handle of kind with config.
func (r *Registry) Create(kind Kind, config map[string]any) (HandleType, error) {
	f, ok := r.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandleNotFound, kind)
	}
	h, err := f(config)
	if err != nil {
		return nil, fmt.Errorf("create %s handle: %w", kind, err)
	}
	return h, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

type checker interface {
	check() error
}

// configured decodes config into a T and runs its check, if any.
func configured[T HandleType](config map[string]any) (HandleType, error) {
	var h T
	if err := decodeConfig(config, &h); err != nil {
		return nil, err
	}
	if c, ok := any(h).(checker); ok {
		if err := c.check(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func builtinFactories() map[Kind]Factory {
	return map[Kind]Factory{
		KindTextField:  configured[TextField],
		KindDropdown:   configured[Dropdown],
		KindNumber:     configured[Number],
		KindFile:       configured[File],
		KindBoolean:    configured[Boolean],
		KindSecretText: configured[SecretText],
		KindString:     configured[String],
		KindRouter:     configured[Router],
		KindTool:       configured[Tool],
		KindAgentTool:  configured[AgentTool],
		KindProvider:   configured[Provider],
		KindData: func(config map[string]any) (HandleType, error) {
			var h Data
			if err := decodeConfig(config, &h); err != nil {
				return nil, err
			}
			return NewData(h.Schema)
		},
	}
}

// decodeConfig maps a generic config map onto a struct through its yaml tags.
func decodeConfig(config map[string]any, out any) error {
	if len(config) == 0 {
		return nil
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
