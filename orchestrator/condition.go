package orchestrator

import (
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// conditionEvaluator matches edge conditions against graph state. A
// condition matches when it equals the current route label, or when it
// compiles as a boolean expression that evaluates to true.
type conditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newConditionEvaluator() *conditionEvaluator {
	return &conditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Match reports whether condition holds. Expressions that fail to compile
// or evaluate do not match and return the error for logging.
func (e *conditionEvaluator) Match(condition, node string, state map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return false, nil
	}
	route, _ := state["route"].(string)
	if route != "" && condition == route {
		return true, nil
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, err
	}

	env := make(map[string]any, len(state)+3)
	maps.Copy(env, state)
	env["state"] = state
	env["route"] = route
	env["node"] = node

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("orchestrator: evaluate condition %q: %w", condition, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("orchestrator: condition %q returned %T, want bool", condition, out)
	}
	return matched, nil
}

func (e *conditionEvaluator) compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(condition, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("orchestrator: compile condition %q: %w", condition, err)
	}

	e.mu.Lock()
	e.cache[condition] = program
	e.mu.Unlock()
	return program, nil
}

func (e *conditionEvaluator) size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
