package expressions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	tests := []struct {
		name string
		expr string
		data map[string]any
		want any
	}{
		{"arithmetic on current", "current.price * 2", map[string]any{"current": map[string]any{"price": 3.5}}, 7.0},
		{"string concat", `current.first + " " + current.last`, map[string]any{"current": map[string]any{"first": "Ana", "last": "Ruiz"}}, "Ana Ruiz"},
		{"index binding", "index + 1", map[string]any{"index": 4}, 5},
		{"reduce step", "acc + current", map[string]any{"acc": 10.0, "current": 2.5}, 12.5},
		{"undefined is nil", "missing == nil", nil, true},
		{"ternary", `current > 10 ? "big" : "small"`, map[string]any{"current": 12}, "big"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.expr, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpr_CompileErrorIsValidation(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "current.price *", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, schema.ErrValidation))

	assert.Error(t, e.Check(""))
	assert.NoError(t, e.Check("a + b"))
}

func TestExpr_ConcurrentUse(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "x * 2", map[string]any{"x": n})
			assert.NoError(t, err)
			assert.Equal(t, n*2, out)
		}(i)
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}

func TestGoJQ_Query(t *testing.T) {
	e := NewGoJQEngine()
	input := map[string]any{
		"orders": []any{
			map[string]any{"id": "a", "total": 40.0},
			map[string]any{"id": "b", "total": int64(120)},
		},
	}

	out, err := e.Query(context.Background(), "[.orders[] | select(.total > 50) | .id]", input)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out)

	out, err = e.Query(context.Background(), ".orders[].id", input)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Query(context.Background(), "empty", input)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Query(context.Background(), "map(. + 0.5)", []any{1.0, 2.0})
	require.NoError(t, err)
	assert.Equal(t, []any{1.5, 2.5}, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Query(context.Background(), ".[", nil)
	assert.True(t, errors.Is(err, schema.ErrValidation))

	_, err = e.Query(context.Background(), `error("boom")`, map[string]any{})
	assert.True(t, errors.Is(err, schema.ErrStepExecution))

	out, err := e.Query(context.Background(), "$ENV.HOME", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCEL_Allow(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	data := map[string]any{
		"approver":    "bob",
		"approvers":   []string{"alice", "bob"},
		"escalate_to": []string{"carol"},
		"request":     map[string]any{"step_id": "gate", "escalation_level": 0},
	}

	tests := []struct {
		policy string
		want   bool
	}{
		{"approver in approvers", true},
		{"approver in escalate_to", false},
		{"approver in approvers || approver in escalate_to", true},
		{`request.step_id == "gate" && approver.startsWith("b")`, true},
		{"size(approvers) > 2", false},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			got, err := e.Allow(context.Background(), tt.policy, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.Error(t, e.Check("approver in"))
	assert.Error(t, e.Check("unknown_var == 1"))

	_, err = e.Allow(context.Background(), `"text"`, nil)
	assert.True(t, errors.Is(err, schema.ErrValidation))

	ok, err := e.Allow(context.Background(), "approver in approvers", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
