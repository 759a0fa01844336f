package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Operator is one of the closed set of comparison operators for simple conditions.
type Operator string

const (
	OpEq          Operator = "=="
	OpNeq         Operator = "!="
	OpGt          Operator = ">"
	OpGte         Operator = ">="
	OpLt          Operator = "<"
	OpLte         Operator = "<="
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpMatches     Operator = "matches"
)

var validOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpContains: true, OpNotContains: true, OpIn: true, OpNotIn: true,
	OpExists: true, OpNotExists: true, OpIsEmpty: true, OpIsNotEmpty: true,
	OpStartsWith: true, OpEndsWith: true, OpMatches: true,
}

// ValidOperator reports whether op belongs to the operator table.
func ValidOperator(op Operator) bool { return validOperators[op] }

// Condition is one of three shapes: a simple {field, operator, value}
// comparison, an and/or/not composition, or a restricted expression string.
// On the wire a bare JSON string decodes as an expression.
type Condition struct {
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	And []Condition `json:"and,omitempty"`
	Or  []Condition `json:"or,omitempty"`
	Not *Condition  `json:"not,omitempty"`

	Expression string `json:"expression,omitempty"`
}

// ConditionShape names which variant a Condition holds.
type ConditionShape int

const (
	ShapeInvalid ConditionShape = iota
	ShapeSimple
	ShapeAnd
	ShapeOr
	ShapeNot
	ShapeExpression
)

// Shape returns the variant held by c, or ShapeInvalid when zero or more than
// one variant is populated.
func (c *Condition) Shape() ConditionShape {
	shape := ShapeInvalid
	n := 0
	if c.Field != "" || c.Operator != "" {
		shape, n = ShapeSimple, n+1
	}
	if c.And != nil {
		shape, n = ShapeAnd, n+1
	}
	if c.Or != nil {
		shape, n = ShapeOr, n+1
	}
	if c.Not != nil {
		shape, n = ShapeNot, n+1
	}
	if c.Expression != "" {
		shape, n = ShapeExpression, n+1
	}
	if n != 1 {
		return ShapeInvalid
	}
	return shape
}

// Validate checks structure and operators recursively. Expression syntax is
// checked by the conditions package.
func (c *Condition) Validate() error {
	switch c.Shape() {
	case ShapeSimple:
		if c.Field == "" {
			return NewError(ErrCodeValidation, "condition: field is required")
		}
		if !ValidOperator(c.Operator) {
			return NewErrorf(ErrCodeValidation, "condition: unknown operator %q", c.Operator)
		}
	case ShapeAnd, ShapeOr:
		list := c.And
		name := "and"
		if c.Or != nil {
			list, name = c.Or, "or"
		}
		if len(list) == 0 {
			return NewErrorf(ErrCodeValidation, "condition: %q requires at least one operand", name)
		}
		for i := range list {
			if err := list[i].Validate(); err != nil {
				return err
			}
		}
	case ShapeNot:
		return c.Not.Validate()
	case ShapeExpression:
	default:
		return NewError(ErrCodeValidation, "condition: exactly one of field/operator, and, or, not, expression is required")
	}
	return nil
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var expr string
		if err := json.Unmarshal(trimmed, &expr); err != nil {
			return err
		}
		*c = Condition{Expression: expr}
		return nil
	}
	type plain Condition
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	*c = Condition(p)
	return nil
}
