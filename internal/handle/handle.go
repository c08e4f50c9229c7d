// Package handle defines the typed ports ("handles") that node inputs, outputs and
// parameters are declared with, and a registry for constructing them by kind.
//
// Handle types are constructed once at process start and never mutated. Validate
// and Default are pure so the compiler and any UI resolver may call them freely.
package handle

import (
	"errors"
	"time"
)

// Common errors returned by handle types and the registry.
var (
	ErrHandleExists   = errors.New("handle type already registered")
	ErrHandleNotFound = errors.New("handle type not found")
	ErrInvalidConfig  = errors.New("invalid handle config")
	ErrInvalidValue   = errors.New("invalid value")
)

// Kind names a handle variant.
type Kind string

const (
	KindTextField  Kind = "text_field"
	KindDropdown   Kind = "dropdown"
	KindNumber     Kind = "number"
	KindFile       Kind = "file"
	KindBoolean    Kind = "boolean"
	KindSecretText Kind = "secret_text"
	KindAgentTool  Kind = "agent_tool"
	KindData       Kind = "data"
	KindString     Kind = "string"
	KindRouter     Kind = "router"
	KindTool       Kind = "tool"
	KindProvider   Kind = "provider"
)

// HandleType is the capability every handle variant implements.
type HandleType interface {
	// Kind returns the variant name.
	Kind() Kind

	// Default returns the value used when nothing is bound, or nil if the
	// handle has no default.
	Default() any

	// Validate reports whether v is acceptable for this handle.
	Validate(v any) error

	// Describe returns a serialisable schema description.
	Describe() Description
}

// Resolver is dynamic-resolution metadata consumed by an external resolver
// dispatcher (for example to populate dropdown options from a provider).
type Resolver struct {
	Name           string        `json:"name" yaml:"name"`
	CacheTTL       time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	ReloadOnChange bool          `json:"reload_on_change,omitempty" yaml:"reload_on_change,omitempty"`
}

// Description is the schema description of a handle.
type Description struct {
	Kind       Kind      `json:"kind"`
	Default    any       `json:"default,omitempty"`
	Options    []string  `json:"options,omitempty"`
	Min        *float64  `json:"min,omitempty"`
	Max        *float64  `json:"max,omitempty"`
	Integer    bool      `json:"integer,omitempty"`
	MaxLength  int       `json:"max_length,omitempty"`
	Multiline  bool      `json:"multiline,omitempty"`
	Extensions []string  `json:"extensions,omitempty"`
	Schema     string    `json:"schema,omitempty"`
	Secret     bool      `json:"secret,omitempty"`
	Resolver   *Resolver `json:"resolver,omitempty"`
}

// HasDefault reports whether h supplies a value when nothing is bound.
func HasDefault(h HandleType) bool {
	return h != nil && h.Default() != nil
}

// ToolValue is implemented by values that flow through tool handles.
type ToolValue interface {
	ToolName() string
}
