package criteria

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/flexinfer/flowtest/internal/metrics"
	"github.com/flexinfer/flowtest/internal/provider"
	"github.com/flexinfer/flowtest/internal/tracing"
)

// StopReason tells why evaluation ended.
type StopReason string

const (
	StopCompleted    StopReason = "completed"
	StopShortCircuit StopReason = "short_circuit"
	StopCancelled    StopReason = "cancelled"
	StopInvalidLogic StopReason = "invalid_logic"
)

// CheckResult is the outcome of one rule. A rule the expression never needed
// is Skipped; a rule left unevaluated by cancellation IsCancelled.
type CheckResult struct {
	RuleID      string        `json:"rule_id"`
	Type        RuleType      `json:"type"`
	Passed      bool          `json:"passed"`
	Skipped     bool          `json:"skipped"`
	IsCancelled bool          `json:"is_cancelled"`
	Reason      string        `json:"reason,omitempty"`
	// Duration is wall-clock timing and not part of the verdict.
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of evaluating a rule set. Checks follow rule order;
// FailedItems lists the ids of evaluated rules whose verdict was false.
type Result struct {
	Passed      bool          `json:"passed"`
	StopReason  StopReason    `json:"stop_reason"`
	Checks      []CheckResult `json:"checks"`
	FailedItems []string      `json:"failed_items"`
	Error       string        `json:"error,omitempty"`
	// Duration is wall-clock timing and not part of the verdict.
	Duration time.Duration `json:"duration"`
}

// Verdict returns a copy of r without timing. Evaluating the same rule set
// against the same output always yields identical verdicts.
func (r *Result) Verdict() Result {
	v := *r
	v.Duration = 0
	v.Checks = make([]CheckResult, len(r.Checks))
	for i, c := range r.Checks {
		c.Duration = 0
		v.Checks[i] = c
	}
	if r.FailedItems != nil {
		v.FailedItems = append(make([]string, 0, len(r.FailedItems)), r.FailedItems...)
	}
	return v
}

// Check returns the result for ruleID.
func (r *Result) Check(ruleID string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.RuleID == ruleID {
			return c, true
		}
	}
	return CheckResult{}, false
}

// Config holds evaluator configuration.
type Config struct {
	// JudgeTimeout bounds a single llm_judge call (0 = no limit)
	JudgeTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{JudgeTimeout: 30 * time.Second}
}

// Evaluator scores outputs against rule sets. It holds no per-evaluation
// state and is safe for concurrent use.
type Evaluator struct {
	providers    *provider.Registry
	judgeTimeout time.Duration
	logger       *slog.Logger
}

// NewEvaluator creates an evaluator. providers may be nil when no rule set
// uses llm_judge.
func NewEvaluator(providers *provider.Registry, cfg *Config, logger *slog.Logger) *Evaluator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		providers:    providers,
		judgeTimeout: cfg.JudgeTimeout,
		logger:       logger,
	}
}

// EvalOption configures a single evaluation.
type EvalOption func(*evaluation)

// WithOnRuleDone registers a callback invoked after each rule is evaluated.
func WithOnRuleDone(fn func(CheckResult)) EvalOption {
	return func(ev *evaluation) { ev.onDone = fn }
}

// evaluation is the state of one Evaluate call.
type evaluation struct {
	ev      *Evaluator
	output  string
	rules   []*compiledRule
	checks  []CheckResult
	done    []bool
	onDone  func(CheckResult)
	stopped bool
}

// Evaluate scores output against rs. It never returns nil and never panics
// on a faulty rule; faults are reported in the rule's Reason.
func (e *Evaluator) Evaluate(ctx context.Context, rs *RuleSet, output string, opts ...EvalOption) *Result {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "criteria.evaluate")
	defer span.End()

	if rs == nil {
		rs = &RuleSet{}
	}
	ev := &evaluation{
		ev:     e,
		output: output,
		rules:  make([]*compiledRule, len(rs.Rules)),
		checks: make([]CheckResult, len(rs.Rules)),
		done:   make([]bool, len(rs.Rules)),
	}
	for _, opt := range opts {
		opt(ev)
	}

	ids := make([]string, len(rs.Rules))
	seen := make(map[string]bool, len(rs.Rules))
	var dupErr error
	for i, r := range rs.Rules {
		ids[i] = r.ID
		ev.rules[i] = e.compileRule(r)
		ev.checks[i] = CheckResult{RuleID: r.ID, Type: r.Type}
		if seen[r.ID] && dupErr == nil {
			dupErr = fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}

	res := &Result{FailedItems: []string{}}
	logic, err := parseLogic(rs.Logics, ids)
	if err == nil {
		err = dupErr
	}
	if err != nil {
		for i := range ev.checks {
			ev.checks[i].Skipped = true
		}
		res.StopReason = StopInvalidLogic
		res.Error = err.Error()
		res.Checks = ev.checks
		res.Duration = time.Since(start)
		e.logger.Warn("invalid criteria logic", "logics", rs.Logics, "error", err)
		span.RecordError(err)
		return res
	}

	passed := ev.eval(ctx, logic)

	skipped := false
	for i := range ev.checks {
		if ev.done[i] {
			if !ev.checks[i].Passed && !ev.checks[i].IsCancelled {
				res.FailedItems = append(res.FailedItems, ev.checks[i].RuleID)
			}
			continue
		}
		if ev.stopped {
			ev.checks[i].IsCancelled = true
		} else {
			ev.checks[i].Skipped = true
			skipped = true
		}
	}

	switch {
	case ev.stopped:
		res.StopReason = StopCancelled
		passed = false
	case skipped:
		res.StopReason = StopShortCircuit
	default:
		res.StopReason = StopCompleted
	}
	res.Passed = passed
	res.Checks = ev.checks
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Bool("criteria.passed", res.Passed),
		attribute.String("criteria.stop_reason", string(res.StopReason)),
	)
	e.logger.Debug("criteria evaluated",
		"passed", res.Passed,
		"stop_reason", res.StopReason,
		"failed_items", res.FailedItems,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

// eval evaluates x with short-circuiting. Once cancellation is observed the
// remaining tree is abandoned and the returned value is meaningless.
func (ev *evaluation) eval(ctx context.Context, x expression) bool {
	if ev.stopped {
		return false
	}
	switch n := x.(type) {
	case constExpr:
		return n.value
	case notExpr:
		return !ev.eval(ctx, n.inner)
	case andExpr:
		first, second := ev.order(n.left, n.right)
		if !ev.eval(ctx, first) || ev.stopped {
			return false
		}
		return ev.eval(ctx, second)
	case orExpr:
		first, second := ev.order(n.left, n.right)
		if ev.eval(ctx, first) || ev.stopped {
			return !ev.stopped
		}
		return ev.eval(ctx, second)
	case refExpr:
		return ev.rule(ctx, n.rule)
	}
	return false
}

// order puts the cheaper operand first. Operands are pure with respect to
// each other, so reordering never changes the value.
func (ev *evaluation) order(a, b expression) (expression, expression) {
	if b.cost(ev.rules) < a.cost(ev.rules) {
		return b, a
	}
	return a, b
}

func (ev *evaluation) rule(ctx context.Context, i int) bool {
	if ev.done[i] {
		return ev.checks[i].Passed
	}
	if ctx.Err() != nil {
		ev.stopped = true
		return false
	}

	cr := ev.rules[i]
	check := &ev.checks[i]
	start := time.Now()
	passed, reason, err := ev.run(ctx, cr)
	check.Duration = time.Since(start)

	if err != nil && ctx.Err() != nil {
		// the in-flight rule was interrupted by cancellation
		ev.stopped = true
		return false
	}
	ev.done[i] = true

	outcome := "pass"
	switch {
	case err != nil:
		var rerr *RuleEvaluationError
		if !errors.As(err, &rerr) {
			err = &RuleEvaluationError{RuleID: cr.rule.ID, Err: err}
		}
		check.Reason = err.Error()
		outcome = "error"
		ev.ev.logger.Warn("rule evaluation failed", "rule_id", cr.rule.ID, "type", cr.rule.Type, "error", err)
	case passed:
		check.Passed = true
	default:
		check.Reason = reason
		outcome = "fail"
	}
	metrics.RuleEvaluationsTotal.WithLabelValues(string(cr.rule.Type), outcome).Inc()
	metrics.RuleDuration.WithLabelValues(string(cr.rule.Type)).Observe(check.Duration.Seconds())

	if ev.onDone != nil {
		ev.onDone(*check)
	}
	return check.Passed
}

func (ev *evaluation) run(ctx context.Context, cr *compiledRule) (passed bool, reason string, err error) {
	if cr.err != nil {
		return false, "", cr.err
	}
	ctx, span := tracing.Start(ctx, "criteria.rule",
		attribute.String("rule.id", cr.rule.ID),
		attribute.String("rule.type", string(cr.rule.Type)),
	)
	defer func() { tracing.End(span, err) }()

	if cr.rule.Type == RuleLLMJudge {
		return callIsolated(ctx, cr.timeout, cr.check, ev.output)
	}

	defer func() {
		if r := recover(); r != nil {
			passed, reason, err = false, "", fmt.Errorf("panic: %v", r)
		}
	}()
	return cr.check(ctx, ev.output)
}
