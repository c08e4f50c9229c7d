package handle

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TextField is free text, optionally multi-line and length bounded.
type TextField struct {
	DefaultValue string `yaml:"default"`
	Multiline    bool   `yaml:"multiline"`
	MaxLength    int    `yaml:"max_length"`
}

func (h TextField) Kind() Kind { return KindTextField }

func (h TextField) Default() any {
	if h.DefaultValue == "" {
		return nil
	}
	return h.DefaultValue
}

func (h TextField) Validate(v any) error {
	s, ok := v.(string)
	if !ok {
		return typeError(h.Kind(), "string", v)
	}
	if h.MaxLength > 0 && utf8.RuneCountInString(s) > h.MaxLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidValue, h.MaxLength)
	}
	return nil
}

func (h TextField) Describe() Description {
	return Description{Kind: h.Kind(), Default: h.Default(), Multiline: h.Multiline, MaxLength: h.MaxLength}
}

func (h TextField) check() error {
	if h.MaxLength < 0 {
		return fmt.Errorf("%w: max_length must be >= 0", ErrInvalidConfig)
	}
	if h.MaxLength > 0 && utf8.RuneCountInString(h.DefaultValue) > h.MaxLength {
		return fmt.Errorf("%w: default exceeds max_length", ErrInvalidConfig)
	}
	return nil
}

// Dropdown selects one of a fixed or dynamically resolved set of options.
// With a Resolver and no static options any non-empty string is accepted;
// membership is enforced by the resolver dispatcher instead.
type Dropdown struct {
	Options      []string  `yaml:"options"`
	DefaultValue string    `yaml:"default"`
	Resolver     *Resolver `yaml:"resolver"`
}

func (h Dropdown) Kind() Kind { return KindDropdown }

func (h Dropdown) Default() any {
	if h.DefaultValue == "" {
		return nil
	}
	return h.DefaultValue
}

func (h Dropdown) Validate(v any) error {
	s, ok := v.(string)
	if !ok {
		return typeError(h.Kind(), "string", v)
	}
	if len(h.Options) == 0 {
		if h.Resolver != nil && s != "" {
			return nil
		}
		return fmt.Errorf("%w: no options available", ErrInvalidValue)
	}
	if !slices.Contains(h.Options, s) {
		return fmt.Errorf("%w: %q is not one of %v", ErrInvalidValue, s, h.Options)
	}
	return nil
}

func (h Dropdown) Describe() Description {
	return Description{Kind: h.Kind(), Default: h.Default(), Options: h.Options, Resolver: h.Resolver}
}

func (h Dropdown) check() error {
	if len(h.Options) == 0 && h.Resolver == nil {
		return fmt.Errorf("%w: dropdown needs options or a resolver", ErrInvalidConfig)
	}
	if h.DefaultValue != "" && len(h.Options) > 0 && !slices.Contains(h.Options, h.DefaultValue) {
		return fmt.Errorf("%w: default %q is not an option", ErrInvalidConfig, h.DefaultValue)
	}
	return nil
}

// Number is a bounded numeric value.
type Number struct {
	DefaultValue *float64 `yaml:"default"`
	Min          *float64 `yaml:"min"`
	Max          *float64 `yaml:"max"`
	Integer      bool     `yaml:"integer"`
}

func (h Number) Kind() Kind { return KindNumber }

func (h Number) Default() any {
	if h.DefaultValue == nil {
		return nil
	}
	return *h.DefaultValue
}

func (h Number) Validate(v any) error {
	f, ok := ToFloat(v)
	if !ok {
		return typeError(h.Kind(), "number", v)
	}
	return h.inRange(f)
}

func (h Number) inRange(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: not a finite number", ErrInvalidValue)
	}
	if h.Integer && f != math.Trunc(f) {
		return fmt.Errorf("%w: %v is not an integer", ErrInvalidValue, f)
	}
	if h.Min != nil && f < *h.Min {
		return fmt.Errorf("%w: %v is below minimum %v", ErrInvalidValue, f, *h.Min)
	}
	if h.Max != nil && f > *h.Max {
		return fmt.Errorf("%w: %v is above maximum %v", ErrInvalidValue, f, *h.Max)
	}
	return nil
}

func (h Number) Describe() Description {
	return Description{Kind: h.Kind(), Default: h.Default(), Min: h.Min, Max: h.Max, Integer: h.Integer}
}

func (h Number) check() error {
	if h.Min != nil && h.Max != nil && *h.Min > *h.Max {
		return fmt.Errorf("%w: min %v > max %v", ErrInvalidConfig, *h.Min, *h.Max)
	}
	if h.DefaultValue != nil {
		if err := h.inRange(*h.DefaultValue); err != nil {
			return fmt.Errorf("%w: default: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// File is a path or artifact URI, optionally restricted by extension.
type File struct {
	Extensions []string `yaml:"extensions"`
}

func (h File) Kind() Kind { return KindFile }

func (h File) Default() any { return nil }

func (h File) Validate(v any) error {
	s, ok := v.(string)
	if !ok || s == "" {
		return typeError(h.Kind(), "non-empty string", v)
	}
	if len(h.Extensions) == 0 {
		return nil
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(s)), ".")
	for _, allowed := range h.Extensions {
		if strings.TrimPrefix(strings.ToLower(allowed), ".") == ext {
			return nil
		}
	}
	return fmt.Errorf("%w: extension %q not in %v", ErrInvalidValue, ext, h.Extensions)
}

func (h File) Describe() Description {
	return Description{Kind: h.Kind(), Extensions: h.Extensions}
}

// Boolean is a flag. It always has a default.
type Boolean struct {
	DefaultValue bool `yaml:"default"`
}

func (h Boolean) Kind() Kind { return KindBoolean }

func (h Boolean) Default() any { return h.DefaultValue }

func (h Boolean) Validate(v any) error {
	if _, ok := v.(bool); !ok {
		return typeError(h.Kind(), "bool", v)
	}
	return nil
}

func (h Boolean) Describe() Description {
	return Description{Kind: h.Kind(), Default: h.DefaultValue}
}

// SecretText is text that is never echoed back in descriptions or events.
type SecretText struct {
	EnvVar string `yaml:"env_var"`
}

func (h SecretText) Kind() Kind { return KindSecretText }

func (h SecretText) Default() any { return nil }

func (h SecretText) Validate(v any) error {
	if _, ok := v.(string); !ok {
		return typeError(h.Kind(), "string", v)
	}
	return nil
}

func (h SecretText) Describe() Description {
	return Description{Kind: h.Kind(), Secret: true}
}

// String is an unconstrained string port, typically wired by edges.
type String struct{}

func (h String) Kind() Kind { return KindString }

func (h String) Default() any { return nil }

func (h String) Validate(v any) error {
	if _, ok := v.(string); !ok {
		return typeError(h.Kind(), "string", v)
	}
	return nil
}

func (h String) Describe() Description { return Description{Kind: h.Kind()} }

// Data is any JSON value, optionally constrained by a JSON schema.
type Data struct {
	Schema string `yaml:"schema"`

	compiled *jsonschema.Schema
}

// NewData compiles schema (which may be empty) into a Data handle.
func NewData(schema string) (Data, error) {
	h := Data{Schema: schema}
	if err := h.compile(); err != nil {
		return Data{}, err
	}
	return h, nil
}

// MustData is NewData that panics, for static catalog declarations.
func MustData(schema string) Data {
	h, err := NewData(schema)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *Data) compile() error {
	if h.Schema == "" {
		return nil
	}
	compiled, err := jsonschema.CompileString("data.json", h.Schema)
	if err != nil {
		return fmt.Errorf("%w: schema: %v", ErrInvalidConfig, err)
	}
	h.compiled = compiled
	return nil
}

func (h Data) Kind() Kind { return KindData }

func (h Data) Default() any { return nil }

func (h Data) Validate(v any) error {
	if h.compiled == nil {
		return nil
	}
	normalized, err := normalizeJSON(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if err := h.compiled.Validate(normalized); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}

func (h Data) Describe() Description {
	return Description{Kind: h.Kind(), Schema: h.Schema}
}

// Router carries the candidate route labels of a router node.
type Router struct{}

func (h Router) Kind() Kind { return KindRouter }

func (h Router) Default() any { return nil }

func (h Router) Validate(v any) error {
	labels, err := Labels(v)
	if err != nil {
		return err
	}
	if len(labels) == 0 {
		return fmt.Errorf("%w: at least one route label is required", ErrInvalidValue)
	}
	return nil
}

func (h Router) Describe() Description { return Description{Kind: h.Kind()} }

// Labels converts a router literal into its ordered label list.
func Labels(v any) ([]string, error) {
	var raw []any
	switch val := v.(type) {
	case []string:
		for _, s := range val {
			raw = append(raw, s)
		}
	case []any:
		raw = val
	default:
		return nil, typeError(KindRouter, "list of labels", v)
	}
	labels := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%w: route labels must be non-empty strings", ErrInvalidValue)
		}
		if seen[s] {
			return nil, fmt.Errorf("%w: duplicate route label %q", ErrInvalidValue, s)
		}
		seen[s] = true
		labels = append(labels, s)
	}
	return labels, nil
}

// Tool is a port through which a tool-capable node is offered to a consumer.
type Tool struct{}

func (h Tool) Kind() Kind { return KindTool }

func (h Tool) Default() any { return nil }

func (h Tool) Validate(v any) error { return validateTools(h.Kind(), v) }

func (h Tool) Describe() Description { return Description{Kind: h.Kind()} }

// AgentTool is a tool port consumed by agent-style nodes. It accepts a
// single tool or a list of tools.
type AgentTool struct{}

func (h AgentTool) Kind() Kind { return KindAgentTool }

func (h AgentTool) Default() any { return nil }

func (h AgentTool) Validate(v any) error { return validateTools(h.Kind(), v) }

func (h AgentTool) Describe() Description { return Description{Kind: h.Kind()} }

func validateTools(kind Kind, v any) error {
	switch val := v.(type) {
	case ToolValue:
		return nil
	case []any:
		for _, item := range val {
			if _, ok := item.(ToolValue); !ok {
				return typeError(kind, "tool", item)
			}
		}
		return nil
	default:
		return typeError(kind, "tool", v)
	}
}

// Provider references a model provider by name.
type Provider struct {
	Providers    []string  `yaml:"providers"`
	DefaultValue string    `yaml:"default"`
	Resolver     *Resolver `yaml:"resolver"`
}

func (h Provider) Kind() Kind { return KindProvider }

func (h Provider) Default() any {
	if h.DefaultValue == "" {
		return nil
	}
	return h.DefaultValue
}

func (h Provider) Validate(v any) error {
	s, ok := v.(string)
	if !ok || s == "" {
		return typeError(h.Kind(), "provider name", v)
	}
	if len(h.Providers) > 0 && !slices.Contains(h.Providers, s) {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidValue, s)
	}
	return nil
}

func (h Provider) Describe() Description {
	return Description{Kind: h.Kind(), Default: h.Default(), Options: h.Providers, Resolver: h.Resolver}
}

func (h Provider) check() error {
	if h.DefaultValue != "" && len(h.Providers) > 0 && !slices.Contains(h.Providers, h.DefaultValue) {
		return fmt.Errorf("%w: default provider %q not listed", ErrInvalidConfig, h.DefaultValue)
	}
	return nil
}

// ToFloat converts the numeric representations produced by JSON/YAML
// decoding and Go literals into a float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func normalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func typeError(kind Kind, want string, got any) error {
	return fmt.Errorf("%w: %s handle expects %s, got %T", ErrInvalidValue, kind, want, got)
}
