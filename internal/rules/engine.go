// Package rules provides the CEL-Go based predicate engine used by policy tables.
package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Variables lists every name a policy predicate may reference.
// All of them are declared as doubles so that literals in expressions
// must be written as doubles too (600.0, not 600).
var Variables = []string{
	"days",
	"miles",
	"receipts",
	"miles_per_day",
	"receipts_per_day",
	"receipt_to_mile",
	"balance_score",
	"expected_reasonable",
	"receipt_to_expected_ratio",
}

// Engine compiles policy predicates against the trip measures environment.
// An Engine is safe for concurrent use; compiled predicates are immutable.
type Engine struct {
	env *cel.Env
}

// NewEngine creates a new predicate engine.
func NewEngine() (*Engine, error) {
	opts := make([]cel.EnvOption, 0, len(Variables))
	for _, name := range Variables {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// Predicate is a compiled boolean expression over Measures.
type Predicate struct {
	expr    string
	program cel.Program
}

// Always is a predicate that matches every trip.
var Always = &Predicate{}

// Compile compiles a predicate. An empty expression compiles to Always.
func (e *Engine) Compile(expr string) (*Predicate, error) {
	if expr == "" {
		return Always, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression %q must return bool, got %s", expr, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %q: %w", expr, err)
	}

	return &Predicate{expr: expr, program: program}, nil
}

// Validate compiles an expression and discards the result.
func (e *Engine) Validate(expr string) error {
	_, err := e.Compile(expr)
	return err
}

// Expr returns the source expression.
func (p *Predicate) Expr() string {
	return p.expr
}

// Match evaluates the predicate against the given activation.
// Evaluation errors count as a non-match.
func (p *Predicate) Match(act Activation) bool {
	if p == nil || p.program == nil {
		return true
	}

	out, _, err := p.program.Eval(map[string]any(act))
	if err != nil {
		return false
	}
	return toBool(out)
}

// toBool converts a CEL value to a boolean.
func toBool(val ref.Val) bool {
	switch v := val.(type) {
	case types.Bool:
		return bool(v)
	case types.Double:
		return v != 0
	case types.Int:
		return v != 0
	default:
		return false
	}
}
