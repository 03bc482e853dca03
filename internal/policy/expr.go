package policy

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEvaluator provides safe expression evaluation with caching.
// Expressions are compiled once and cached for reuse.
type ExprEvaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size for security (default: 4096)
	MaxExpressionLength int
}

// NewExprEvaluator creates a new expression evaluator.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
	}
}

// Compile checks an expression without running it.
func (e *ExprEvaluator) Compile(expression string, env map[string]interface{}) error {
	_, err := e.program(expression, env)
	return err
}

func (e *ExprEvaluator) program(expression string, env map[string]interface{}) (*vm.Program, error) {
	if len(expression) > e.MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	e.mu.Lock()
	e.compiled[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// EvaluateBool evaluates a boolean condition against env.
func (e *ExprEvaluator) EvaluateBool(expression string, env map[string]interface{}) (bool, error) {
	prog, err := e.program(expression, env)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}

	v, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, result)
	}
	return v, nil
}
