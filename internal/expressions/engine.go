// Package expressions wraps the sandboxed expression languages used outside
// of step conditions: expr-lang for transform expressions, gojq for jq
// transforms and CEL for approval authorization policies.
package expressions

import "context"

// Engine evaluates an expression against a data environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
