// Package criteria scores a run's output against a declarative rule set.
//
// A rule set pairs rules with a boolean logics expression over their ids.
// Evaluation short-circuits, runs cheap local rules before model-judged ones
// where the expression allows it, observes cancellation between rules and
// always returns a Result; rule faults are captured per rule.
package criteria

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// RuleType names a rule variant.
type RuleType string

const (
	RuleString   RuleType = "string"
	RuleRegex    RuleType = "regex"
	RuleLLMJudge RuleType = "llm_judge"
)

// Rule is one criterion. Config is decoded according to Type.
type Rule struct {
	ID     string         `yaml:"id" json:"id"`
	Type   RuleType       `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config" json:"config"`
}

// RuleSet is a list of rules combined by Logics. An empty Logics requires
// every rule to pass.
type RuleSet struct {
	Rules  []Rule `yaml:"rules" json:"rules"`
	Logics string `yaml:"logics" json:"logics"`
}

// ParseRuleSet decodes a rule set from YAML or JSON.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode rule set: %w", err)
	}
	return &rs, nil
}

// StringConfig configures a string rule.
type StringConfig struct {
	Operation     string `yaml:"operation"`
	Value         string `yaml:"value"`
	CaseSensitive *bool  `yaml:"case_sensitive"`
}

// RegexConfig configures a regex rule. Flags are letters (i, m, s, U) or
// names (ignorecase, multiline, dotall) separated by commas or pipes.
type RegexConfig struct {
	Pattern string `yaml:"pattern"`
	Flags   string `yaml:"flags"`
}

// JudgeConfig configures an llm_judge rule.
type JudgeConfig struct {
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	Temperature  *float64 `yaml:"temperature"`
	SystemPrompt string   `yaml:"system_prompt"`
	Instruction  string   `yaml:"instruction"`
	// Timeout overrides the evaluator's judge timeout, e.g. "20s".
	Timeout string `yaml:"timeout"`
}

// decodeConfig maps a loosely typed config onto a struct through its YAML
// representation.
func decodeConfig(raw map[string]any, out any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// RuleEvaluationError is a fault raised while evaluating one rule.
type RuleEvaluationError struct {
	RuleID string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// checkFunc evaluates a rule against output. It returns the verdict and a
// reason for a failed verdict.
type checkFunc func(ctx context.Context, output string) (bool, string, error)

// compiledRule is a rule with its config decoded. A rule that fails to
// compile keeps err and fails when evaluated.
type compiledRule struct {
	rule  Rule
	cost  int
	check checkFunc
	// timeout isolates external calls; zero for local rules
	timeout time.Duration
	err     error
}

// Relative evaluation costs.
const (
	costString = 1
	costRegex  = 2
	costJudge  = 1000
)

func (e *Evaluator) compileRule(r Rule) *compiledRule {
	cr := &compiledRule{rule: r, cost: costString}
	var err error
	switch r.Type {
	case RuleString:
		cr.check, err = compileString(r.Config)
	case RuleRegex:
		cr.cost = costRegex
		cr.check, err = compileRegex(r.Config)
	case RuleLLMJudge:
		cr.cost = costJudge
		cr.check, cr.timeout, err = e.compileJudge(r.Config)
	default:
		err = fmt.Errorf("unknown rule type %q", r.Type)
	}
	if err != nil {
		cr.err = &RuleEvaluationError{RuleID: r.ID, Err: err}
	}
	return cr
}

func compileString(raw map[string]any) (checkFunc, error) {
	var cfg StringConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid string config: %w", err)
	}
	fold := cfg.CaseSensitive != nil && !*cfg.CaseSensitive
	norm := func(s string) string {
		if fold {
			return strings.ToLower(s)
		}
		return s
	}
	want := norm(cfg.Value)

	length := func(cmp func(n, limit int) bool, verb string) (checkFunc, error) {
		limit, err := strconv.Atoi(strings.TrimSpace(cfg.Value))
		if err != nil {
			return nil, fmt.Errorf("%s needs an integer value: %w", cfg.Operation, err)
		}
		return func(_ context.Context, out string) (bool, string, error) {
			n := utf8.RuneCountInString(out)
			if cmp(n, limit) {
				return true, "", nil
			}
			return false, fmt.Sprintf("length %d is not %s %d", n, verb, limit), nil
		}, nil
	}
	predicate := func(ok func(out string) bool, verb string) checkFunc {
		return func(_ context.Context, out string) (bool, string, error) {
			if ok(norm(out)) {
				return true, "", nil
			}
			return false, fmt.Sprintf("output does not %s %q", verb, cfg.Value), nil
		}
	}

	switch cfg.Operation {
	case "contains":
		return predicate(func(s string) bool { return strings.Contains(s, want) }, "contain"), nil
	case "not_contains":
		return predicate(func(s string) bool { return !strings.Contains(s, want) }, "exclude"), nil
	case "equals":
		return predicate(func(s string) bool { return s == want }, "equal"), nil
	case "starts_with":
		return predicate(func(s string) bool { return strings.HasPrefix(s, want) }, "start with"), nil
	case "ends_with":
		return predicate(func(s string) bool { return strings.HasSuffix(s, want) }, "end with"), nil
	case "length_gt":
		return length(func(n, l int) bool { return n > l }, "greater than")
	case "length_lt":
		return length(func(n, l int) bool { return n < l }, "less than")
	case "length_eq":
		return length(func(n, l int) bool { return n == l }, "equal to")
	}
	return nil, fmt.Errorf("unknown string operation %q", cfg.Operation)
}

var regexFlagNames = map[string]string{
	"i": "i", "ignorecase": "i", "ignore_case": "i",
	"m": "m", "multiline": "m",
	"s": "s", "dotall": "s",
	"u": "U", "ungreedy": "U",
}

func compileRegex(raw map[string]any) (checkFunc, error) {
	var cfg RegexConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid regex config: %w", err)
	}
	if cfg.Pattern == "" {
		return nil, fmt.Errorf("regex pattern is required")
	}

	flags, err := regexFlags(cfg.Flags)
	if err != nil {
		return nil, err
	}
	pattern := cfg.Pattern
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	return func(_ context.Context, out string) (bool, string, error) {
		if re.MatchString(out) {
			return true, "", nil
		}
		return false, fmt.Sprintf("output does not match %q", cfg.Pattern), nil
	}, nil
}

func regexFlags(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", nil
	}
	var parts []string
	if strings.ContainsAny(spec, ",|") || len(spec) > 4 {
		parts = strings.FieldsFunc(spec, func(r rune) bool { return r == ',' || r == '|' || r == ' ' })
	} else {
		for _, r := range spec {
			parts = append(parts, string(r))
		}
	}

	seen := make(map[string]bool)
	var flags strings.Builder
	for _, p := range parts {
		f, ok := regexFlagNames[strings.ToLower(strings.TrimSpace(p))]
		if !ok {
			return "", fmt.Errorf("unknown regex flag %q", p)
		}
		if !seen[f] {
			seen[f] = true
			flags.WriteString(f)
		}
	}
	return flags.String(), nil
}
