package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides whether a guarded edge is enabled for a set of entity attributes.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
	Validate(expression string) error
}

// Always reports whether expression is the trivially true guard.
func Always(expression string) bool {
	e := strings.TrimSpace(expression)
	return e == "" || e == "true"
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached by expression text.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
	funcs map[string]func(env map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
		funcs: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddDerived registers a value computed from the attributes and exposed to
// expressions under name, e.g. a currency-converted amount.
func (e *ExprEvaluator) AddDerived(name string, f func(env map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = f
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Validate compiles expression without running it.
func (e *ExprEvaluator) Validate(expression string) error {
	if Always(expression) {
		return nil
	}
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression against env. env is not modified.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	if Always(expression) {
		return true, nil
	}

	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	scope := make(map[string]interface{}, len(env)+len(e.funcs))
	for k, v := range env {
		scope[k] = v
	}
	e.mu.RLock()
	for name, f := range e.funcs {
		scope[name] = f(env)
	}
	e.mu.RUnlock()

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
