package graph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// PredicateEngine evaluates node predicates with expr-lang. Compiled
// programs are cached by expression text and reused across goroutines,
// so hot loops do not recompile on every iteration.
type PredicateEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewPredicateEngine creates an engine with an empty program cache.
func NewPredicateEngine() *PredicateEngine {
	return &PredicateEngine{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or retrieves from cache) the expression and runs it
// with the data map as the environment, so all keys are available as
// top-level variables.
func (e *PredicateEngine) Evaluate(expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("empty predicate expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("predicate %q: %w", expression, err)
	}
	return out, nil
}

// EvaluateBool evaluates the expression and coerces the result to a
// boolean. Accepts bool, "true"/"false" strings, and numeric truthiness
// so action outputs do not need strict typing.
func (e *PredicateEngine) EvaluateBool(expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, data)
	if err != nil {
		return false, err
	}
	b, ok := coerceBool(out)
	if !ok {
		return false, fmt.Errorf("predicate %q: result %v (%T) is not boolean-like", expression, out, out)
	}
	return b, nil
}

func (e *PredicateEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := compileExpression(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = prg
	return prg, nil
}

// ValidateExpression compiles the expression without evaluating it. Used
// by template validation to reject malformed predicates at publish time.
func ValidateExpression(expression string) error {
	_, err := compileExpression(expression)
	return err
}

func compileExpression(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	return prg, nil
}

func coerceBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0", "":
			return false, true
		}
		return false, false
	case int:
		return b != 0, true
	case int64:
		return b != 0, true
	case float64:
		return b != 0, true
	}
	return false, false
}
