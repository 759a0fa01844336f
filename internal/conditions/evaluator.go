// Package conditions evaluates step conditions: simple field/operator/value
// comparisons from a closed operator table, and/or/not composition, and a
// restricted comparison-expression language. Nothing here executes code.
package conditions

import (
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// Scope is what the evaluator needs from an execution context.
type Scope interface {
	Resolve(ref string) (any, error)
	ResolveAll(v any) (any, error)
}

// Evaluator evaluates conditions. It caches compiled expressions and regular
// expressions and is safe for concurrent use.
type Evaluator struct {
	exprs   sync.Map // source -> *Expression
	regexes sync.Map // pattern -> *regexp.Regexp
	logger  *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Validate checks structure, operators, field reference syntax and compiles
// every expression in cond.
func (e *Evaluator) Validate(cond *schema.Condition) error {
	if err := cond.Validate(); err != nil {
		return err
	}
	switch cond.Shape() {
	case schema.ShapeSimple:
		if err := execution.ValidateReference(cond.Field); err != nil {
			return err
		}
		if cond.Operator == schema.OpMatches {
			if pattern, ok := cond.Value.(string); ok && !strings.Contains(pattern, "{{") {
				if _, err := regexp.Compile(pattern); err != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "condition: invalid pattern %q: %s", pattern, err.Error())
				}
			}
		}
	case schema.ShapeAnd:
		for i := range cond.And {
			if err := e.Validate(&cond.And[i]); err != nil {
				return err
			}
		}
	case schema.ShapeOr:
		for i := range cond.Or {
			if err := e.Validate(&cond.Or[i]); err != nil {
				return err
			}
		}
	case schema.ShapeNot:
		return e.Validate(cond.Not)
	case schema.ShapeExpression:
		_, err := e.compile(cond.Expression)
		return err
	}
	return nil
}

// Evaluate reports whether cond holds in scope. A nil condition holds. Missing
// fields never produce errors; they make the comparison false. The only error
// returned is a resolution failure that must stop the run, such as a reference
// to step data lost across a resume, or a malformed expression.
func (e *Evaluator) Evaluate(cond *schema.Condition, scope Scope) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch cond.Shape() {
	case schema.ShapeSimple:
		return e.evalSimple(cond, scope)
	case schema.ShapeAnd:
		for i := range cond.And {
			ok, err := e.Evaluate(&cond.And[i], scope)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case schema.ShapeOr:
		for i := range cond.Or {
			ok, err := e.Evaluate(&cond.Or[i], scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case schema.ShapeNot:
		ok, err := e.Evaluate(cond.Not, scope)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case schema.ShapeExpression:
		compiled, err := e.compile(cond.Expression)
		if err != nil {
			return false, err
		}
		return compiled.Eval(scope)
	}
	return false, cond.Validate()
}

func (e *Evaluator) compile(src string) (*Expression, error) {
	if cached, ok := e.exprs.Load(src); ok {
		return cached.(*Expression), nil
	}
	compiled, err := Compile(src)
	if err != nil {
		return nil, err
	}
	e.exprs.Store(src, compiled)
	return compiled, nil
}

func (e *Evaluator) evalSimple(cond *schema.Condition, scope Scope) (bool, error) {
	field, err := scope.Resolve(cond.Field)
	defined := true
	if err != nil {
		if isFatal(err) {
			return false, err
		}
		defined = false
	}

	expected := cond.Value
	if cond.Value != nil {
		resolved, err := scope.ResolveAll(cond.Value)
		if err != nil {
			if isFatal(err) {
				return false, err
			}
			e.logger.Debug("condition value did not resolve", slog.String("field", cond.Field), slog.String("error", err.Error()))
			return false, nil
		}
		expected = resolved
	}

	switch cond.Operator {
	case schema.OpExists:
		return defined && field != nil, nil
	case schema.OpNotExists:
		return !defined || field == nil, nil
	case schema.OpIsEmpty:
		return !defined || isEmpty(field), nil
	case schema.OpIsNotEmpty:
		return defined && !isEmpty(field), nil
	}
	if !defined {
		return false, nil
	}

	switch cond.Operator {
	case schema.OpEq, schema.OpNeq, schema.OpGt, schema.OpGte, schema.OpLt, schema.OpLte:
		return compare(cond.Operator, field, expected), nil
	case schema.OpContains:
		return contains(field, expected), nil
	case schema.OpNotContains:
		return !contains(field, expected), nil
	case schema.OpIn:
		return contains(expected, field), nil
	case schema.OpNotIn:
		return !contains(expected, field), nil
	case schema.OpStartsWith:
		s, ok := field.(string)
		return ok && strings.HasPrefix(s, execution.Stringify(expected)), nil
	case schema.OpEndsWith:
		s, ok := field.(string)
		return ok && strings.HasSuffix(s, execution.Stringify(expected)), nil
	case schema.OpMatches:
		s, ok := field.(string)
		if !ok {
			return false, nil
		}
		re, err := e.regex(execution.Stringify(expected))
		if err != nil {
			e.logger.Warn("invalid condition pattern", slog.String("field", cond.Field), slog.String("error", err.Error()))
			return false, nil
		}
		return re.MatchString(s), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "condition: unknown operator %q", cond.Operator)
}

func (e *Evaluator) regex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := e.regexes.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	e.regexes.Store(pattern, re)
	return re, nil
}

// compare applies an ordering or equality operator. Numbers compare
// numerically (numeric strings are coerced when the other side is a number),
// strings lexically. Undefined operands make every comparison false.
func compare(op schema.Operator, left, right any) bool {
	if left == undefined || right == undefined {
		return false
	}
	if a, b, ok := numericPair(left, right); ok {
		switch op {
		case schema.OpEq:
			return a == b
		case schema.OpNeq:
			return a != b
		case schema.OpGt:
			return a > b
		case schema.OpGte:
			return a >= b
		case schema.OpLt:
			return a < b
		case schema.OpLte:
			return a <= b
		}
	}
	switch op {
	case schema.OpEq:
		return equal(left, right)
	case schema.OpNeq:
		return !equal(left, right)
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false
	}
	switch op {
	case schema.OpGt:
		return ls > rs
	case schema.OpGte:
		return ls >= rs
	case schema.OpLt:
		return ls < rs
	case schema.OpLte:
		return ls <= rs
	}
	return false
}

func numericPair(left, right any) (float64, float64, bool) {
	a, aNum := number(left)
	b, bNum := number(right)
	switch {
	case aNum && bNum:
		return a, b, true
	case aNum:
		if s, ok := right.(string); ok {
			if f, ok := execution.ToFloat(s); ok {
				return a, f, true
			}
		}
	case bNum:
		if s, ok := left.(string); ok {
			if f, ok := execution.ToFloat(s); ok {
				return f, b, true
			}
		}
	}
	return 0, 0, false
}

func equal(a, b any) bool {
	if a, b, ok := numericPair(a, b); ok {
		return a == b
	}
	return reflect.DeepEqual(execution.Normalize(a), execution.Normalize(b))
}

// contains reports whether container holds item: substring for strings,
// element equality for arrays, key presence for objects.
func contains(container, item any) bool {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, execution.Stringify(item))
	case []any:
		for _, el := range c {
			if equal(el, item) {
				return true
			}
		}
	case map[string]any:
		_, ok := c[execution.Stringify(item)]
		return ok
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
