// Package transform implements the pure data operations of transform steps:
// map, filter, reduce, sort, group and jq. None of them perform I/O.
package transform

import (
	"context"
	"sort"
	"strings"

	"github.com/agentspilot/orchestrator/internal/conditions"
	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/internal/expressions"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// Transformer applies transform steps. Safe for concurrent use.
type Transformer struct {
	exprs *expressions.ExprEngine
	jq    *expressions.GoJQEngine
	conds *conditions.Evaluator
}

// New creates a Transformer that evaluates filter conditions with conds.
func New(conds *conditions.Evaluator) *Transformer {
	if conds == nil {
		conds = conditions.NewEvaluator(nil)
	}
	return &Transformer{
		exprs: expressions.NewExprEngine(),
		jq:    expressions.NewGoJQEngine(),
		conds: conds,
	}
}

// Check compiles the step's expression so malformed transforms fail before
// the run starts.
func (t *Transformer) Check(step *schema.TransformStep) error {
	switch step.Operation {
	case schema.TransformJQ:
		return t.jq.Check(step.Expression)
	case schema.TransformFilter:
		return t.conds.Validate(step.Condition)
	case schema.TransformSort:
		if step.Expression == "" {
			return nil
		}
	}
	return t.exprs.Check(step.Expression)
}

// Apply resolves the step input against scope and runs the operation. The
// returned count is the number of items in an array result, or -1.
func (t *Transformer) Apply(ctx context.Context, step *schema.TransformStep, scope *execution.Context) (any, int, error) {
	input, err := scope.Resolve(step.Input)
	if err != nil {
		return nil, -1, err
	}

	if step.Operation == schema.TransformJQ {
		out, err := t.jq.Query(ctx, step.Expression, input)
		if err != nil {
			return nil, -1, err
		}
		out = execution.Normalize(out)
		return out, count(out), nil
	}

	items, ok := execution.ToSlice(input)
	if !ok {
		return nil, -1, schema.NewStepError(schema.ClassValidation,
			"transform %s: input %q is %T, not an array", step.Operation, step.Input, input)
	}

	var out any
	switch step.Operation {
	case schema.TransformMap:
		out, err = t.mapItems(ctx, step.Expression, items, newItemEnv(scope))
	case schema.TransformFilter:
		out, err = t.filter(step.Condition, items, scope)
	case schema.TransformReduce:
		out, err = t.reduce(ctx, step, items, scope)
	case schema.TransformSort:
		out, err = t.sortItems(ctx, step.Expression, step.Descending, items, newItemEnv(scope))
	case schema.TransformGroup:
		out, err = t.group(ctx, step.Expression, items, newItemEnv(scope))
	default:
		return nil, -1, schema.NewErrorf(schema.ErrCodeValidation, "unknown transform operation %q", step.Operation)
	}
	if err != nil {
		return nil, -1, err
	}
	return out, count(out), nil
}

// itemEnv is the expression environment shared by every item of one Apply.
// Run inputs and variables are copied once; at swaps in the item under
// evaluation. Items are evaluated one at a time.
type itemEnv map[string]any

func newItemEnv(scope *execution.Context) itemEnv {
	return itemEnv{"input": scope.Inputs(), "var": scope.Variables()}
}

func (e itemEnv) at(item any, index int) map[string]any {
	e["current"] = item
	e["index"] = index
	return e
}

func (t *Transformer) mapItems(ctx context.Context, expression string, items []any, env itemEnv) ([]any, error) {
	out := make([]any, 0, len(items))
	for i, item := range items {
		v, err := t.exprs.Evaluate(ctx, expression, env.at(item, i))
		if err != nil {
			return nil, itemError(err, i)
		}
		out = append(out, execution.Normalize(v))
	}
	return out, nil
}

func (t *Transformer) filter(cond *schema.Condition, items []any, scope *execution.Context) ([]any, error) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		keep, err := t.conds.Evaluate(cond, scope.WithCurrent(item))
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

func (t *Transformer) reduce(ctx context.Context, step *schema.TransformStep, items []any, scope *execution.Context) (any, error) {
	acc, err := scope.ResolveAll(step.Initial)
	if err != nil {
		return nil, err
	}
	env := newItemEnv(scope)
	for i, item := range items {
		env["acc"] = acc
		acc, err = t.exprs.Evaluate(ctx, step.Expression, env.at(item, i))
		if err != nil {
			return nil, itemError(err, i)
		}
	}
	return execution.Normalize(acc), nil
}

func (t *Transformer) sortItems(ctx context.Context, expression string, descending bool, items []any, env itemEnv) ([]any, error) {
	keys := make([]any, len(items))
	for i, item := range items {
		if expression == "" {
			keys[i] = item
			continue
		}
		k, err := t.exprs.Evaluate(ctx, expression, env.at(item, i))
		if err != nil {
			return nil, itemError(err, i)
		}
		keys[i] = k
	}

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		c := compareKeys(keys[order[a]], keys[order[b]])
		if descending {
			return c > 0
		}
		return c < 0
	})

	out := make([]any, len(items))
	for i, idx := range order {
		out[i] = items[idx]
	}
	return out, nil
}

func (t *Transformer) group(ctx context.Context, expression string, items []any, env itemEnv) (map[string]any, error) {
	out := make(map[string]any)
	for i, item := range items {
		k, err := t.exprs.Evaluate(ctx, expression, env.at(item, i))
		if err != nil {
			return nil, itemError(err, i)
		}
		key := execution.Stringify(k)
		bucket, _ := out[key].([]any)
		out[key] = append(bucket, item)
	}
	return out, nil
}

// compareKeys orders numbers numerically and everything else by its string
// form. Nil sorts last.
func compareKeys(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if !aStr && !bStr {
		fa, okA := execution.ToFloat(a)
		fb, okB := execution.ToFloat(b)
		if okA && okB {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(execution.Stringify(a), execution.Stringify(b))
}

func count(v any) int {
	if items, ok := v.([]any); ok {
		return len(items)
	}
	return -1
}

func itemError(err error, index int) error {
	if oe, ok := schema.AsOrchestratorError(err); ok {
		if oe.Details == nil {
			oe.Details = map[string]any{}
		}
		oe.Details["index"] = index
		return oe
	}
	return schema.NewStepError(schema.ClassValidation, "item %d: %s", index, err.Error()).WithCause(err)
}
