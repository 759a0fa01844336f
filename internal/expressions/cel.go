package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// CELEngine evaluates approval authorization policies. The environment exposes:
//   - approver:    string, the principal responding
//   - approvers:   list(string), principals the request is addressed to
//   - escalate_to: list(string)
//   - request:     map(string, dyn), the request fields (run_id, step_id, mode, ...)
//
// Safe for concurrent use; programs are cached.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates the policy environment.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("approver", cel.StringType),
		cel.Variable("approvers", cel.ListType(cel.StringType)),
		cel.Variable("escalate_to", cel.ListType(cel.StringType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Check compiles a policy.
func (e *CELEngine) Check(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs the policy. Missing variables default to empty values.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"policy %q failed: %s", expression, err.Error()).WithCause(err)
	}
	return out.Value(), nil
}

// Allow evaluates a boolean policy.
func (e *CELEngine) Allow(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	allowed, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "policy %q returned %T, want bool", expression, v)
	}
	return allowed, nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty policy")
	}
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"policy %q does not compile: %s", expression, issues.Err().Error()).WithCause(issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "policy %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}

func activation(data map[string]any) map[string]any {
	act := map[string]any{
		"approver":    "",
		"approvers":   []string{},
		"escalate_to": []string{},
		"request":     map[string]any{},
	}
	for k, v := range data {
		if v != nil {
			act[k] = v
		}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
