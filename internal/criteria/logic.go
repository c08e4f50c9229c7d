package criteria

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// expression is a node of a parsed logics expression.
type expression interface {
	// cost estimates the latency of evaluating the whole subtree.
	cost(rules []*compiledRule) int
}

type refExpr struct{ rule int }
type andExpr struct{ left, right expression }
type orExpr struct{ left, right expression }
type notExpr struct{ inner expression }
type constExpr struct{ value bool }

func (e refExpr) cost(rules []*compiledRule) int   { return rules[e.rule].cost }
func (e andExpr) cost(rules []*compiledRule) int   { return e.left.cost(rules) + e.right.cost(rules) }
func (e orExpr) cost(rules []*compiledRule) int    { return e.left.cost(rules) + e.right.cost(rules) }
func (e notExpr) cost(rules []*compiledRule) int   { return e.inner.cost(rules) }
func (e constExpr) cost(rules []*compiledRule) int { return 0 }

var wordPattern = regexp.MustCompile(`[A-Za-z0-9_][A-Za-z0-9_.\-]*`)

// parseLogic parses a boolean expression over rule ids, for example
// "r1 AND (r2 OR NOT r3)". Keywords are case-insensitive and &&, || and !
// are accepted as well. An empty expression is the conjunction of every rule.
func parseLogic(logic string, ids []string) (expression, error) {
	if strings.TrimSpace(logic) == "" {
		if len(ids) == 0 {
			return constExpr{value: true}, nil
		}
		var e expression = refExpr{rule: 0}
		for i := 1; i < len(ids); i++ {
			e = andExpr{left: e, right: refExpr{rule: i}}
		}
		return e, nil
	}

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	// Rule ids may contain characters the expression grammar does not allow
	// in identifiers, so every id is replaced by a positional name first.
	var unknown []string
	rewritten := wordPattern.ReplaceAllStringFunc(logic, func(word string) string {
		switch strings.ToLower(word) {
		case "and", "or", "not", "true", "false":
			return strings.ToLower(word)
		}
		if i, ok := index[word]; ok {
			return "r_" + strconv.Itoa(i)
		}
		unknown = append(unknown, word)
		return word
	})
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown rule id %q", unknown[0])
	}

	tree, err := parser.Parse(rewritten)
	if err != nil {
		return nil, fmt.Errorf("parse logic: %w", err)
	}
	return convert(tree.Node)
}

func convert(n ast.Node) (expression, error) {
	switch node := n.(type) {
	case *ast.BinaryNode:
		left, err := convert(node.Left)
		if err != nil {
			return nil, err
		}
		right, err := convert(node.Right)
		if err != nil {
			return nil, err
		}
		switch node.Operator {
		case "and", "&&":
			return andExpr{left: left, right: right}, nil
		case "or", "||":
			return orExpr{left: left, right: right}, nil
		}
		return nil, fmt.Errorf("unsupported operator %q", node.Operator)
	case *ast.UnaryNode:
		if node.Operator != "not" && node.Operator != "!" {
			return nil, fmt.Errorf("unsupported operator %q", node.Operator)
		}
		inner, err := convert(node.Node)
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	case *ast.IdentifierNode:
		i, err := strconv.Atoi(strings.TrimPrefix(node.Value, "r_"))
		if err != nil || !strings.HasPrefix(node.Value, "r_") {
			return nil, fmt.Errorf("unknown identifier %q", node.Value)
		}
		return refExpr{rule: i}, nil
	case *ast.BoolNode:
		return constExpr{value: node.Value}, nil
	}
	return nil, fmt.Errorf("unsupported expression %T", n)
}
