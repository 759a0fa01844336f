package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// GoJQEngine runs jq programs for the jq transform. Environment access is
// blocked. Safe for concurrent use.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string { return "jq" }

// Check parses and compiles a program.
func (e *GoJQEngine) Check(expression string) error {
	_, err := e.code(expression)
	return err
}

// Evaluate satisfies Engine by querying data as a JSON object.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data)
}

// Query runs expression over input. A single result is returned as is; several
// results are collected into a slice; none yields nil.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, toJQ(input))
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"jq %q failed: %s", expression, err.Error()).
				WithClass(schema.ClassValidation).
				WithCause(err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq program")
	}
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = code
	return code, nil
}

// toJQ converts integer types gojq does not accept into float64.
func toJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJQ(item)
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case uint64:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
