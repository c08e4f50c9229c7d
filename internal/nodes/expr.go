package nodes

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// maxExpressionLength bounds router expressions.
const maxExpressionLength = 4096

// routeEnv is the environment router expressions see.
type routeEnv struct {
	Input  string   `expr:"input"`
	Labels []string `expr:"labels"`
	Run    runEnv   `expr:"run"`
}

type runEnv struct {
	Text     string         `expr:"text"`
	Metadata map[string]any `expr:"metadata"`
}

// ExprEvaluator compiles router expressions once per expression text and
// caches the programs. Programs are type-checked against routeEnv and must
// yield a string.
type ExprEvaluator struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewExprEvaluator creates an evaluator with an empty cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{programs: make(map[string]*vm.Program)}
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", maxExpressionLength)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[expression]; ok {
		return p, nil
	}
	p, err := expr.Compile(expression, expr.Env(routeEnv{}), expr.AsKind(reflect.String))
	if err != nil {
		return nil, fmt.Errorf("compile route expression %q: %w", expression, err)
	}
	e.programs[expression] = p
	return p, nil
}

// Route evaluates expression against env and returns the selected label.
func (e *ExprEvaluator) Route(expression string, env routeEnv) (string, error) {
	p, err := e.program(expression)
	if err != nil {
		return "", err
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return "", fmt.Errorf("evaluate route expression %q: %w", expression, err)
	}
	label, _ := out.(string)
	return label, nil
}

// Cached reports how many programs are cached.
func (e *ExprEvaluator) Cached() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.programs)
}
