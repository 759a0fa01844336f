package conditions

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

func scopeWithScore(score float64) *execution.Context {
	c := execution.New("run", "user", map[string]any{"threshold": 70, "region": "eu-west"})
	c.Record(&execution.StepOutput{
		StepID: "step1",
		Data: map[string]any{
			"score":  score,
			"tags":   []any{"vip", "beta"},
			"status": "open",
			"empty":  "",
			"owner":  map[string]any{"name": "Ana"},
		},
		Metadata: schema.StepMetadata{Success: true},
	})
	return c
}

func simple(field string, op schema.Operator, value any) *schema.Condition {
	return &schema.Condition{Field: field, Operator: op, Value: value}
}

func TestEvaluate_SimpleOperators(t *testing.T) {
	e := NewEvaluator(nil)
	scope := scopeWithScore(85)

	tests := []struct {
		name string
		cond *schema.Condition
		want bool
	}{
		{"gt true", simple("step1.data.score", schema.OpGt, 70), true},
		{"gt ref value", simple("step1.data.score", schema.OpGt, "{{input.threshold}}"), true},
		{"gte", simple("step1.data.score", schema.OpGte, 85), true},
		{"lt", simple("step1.data.score", schema.OpLt, 85), false},
		{"lte numeric string", simple("step1.data.score", schema.OpLte, "85"), true},
		{"eq string", simple("step1.data.status", schema.OpEq, "open"), true},
		{"neq", simple("step1.data.status", schema.OpNeq, "closed"), true},
		{"contains array", simple("step1.data.tags", schema.OpContains, "vip"), true},
		{"contains string", simple("input.region", schema.OpContains, "west"), true},
		{"not_contains", simple("step1.data.tags", schema.OpNotContains, "gold"), true},
		{"in", simple("step1.data.status", schema.OpIn, []any{"open", "pending"}), true},
		{"not_in", simple("step1.data.status", schema.OpNotIn, []any{"closed"}), true},
		{"exists", simple("step1.data.owner.name", schema.OpExists, nil), true},
		{"is_empty", simple("step1.data.empty", schema.OpIsEmpty, nil), true},
		{"is_not_empty", simple("step1.data.tags", schema.OpIsNotEmpty, nil), true},
		{"starts_with", simple("input.region", schema.OpStartsWith, "eu-"), true},
		{"ends_with", simple("input.region", schema.OpEndsWith, "east"), false},
		{"matches", simple("input.region", schema.OpMatches, `^[a-z]+-(west|east)$`), true},
		{"contains object key", simple("step1.data.owner", schema.OpContains, "name"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.cond, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_MissingFieldIsConservative(t *testing.T) {
	e := NewEvaluator(nil)
	scope := scopeWithScore(85)

	tests := []struct {
		cond *schema.Condition
		want bool
	}{
		{simple("step1.data.missing", schema.OpExists, nil), false},
		{simple("step1.data.missing", schema.OpNotExists, nil), true},
		{simple("step1.data.missing", schema.OpIsEmpty, nil), true},
		{simple("step1.data.missing", schema.OpGt, 1), false},
		{simple("step1.data.missing", schema.OpLt, 1), false},
		{simple("step1.data.missing", schema.OpEq, nil), false},
		{simple("stepX.data.score", schema.OpGt, 1), false},
		{simple("step1.data.score", schema.OpGt, "{{stepX.data.limit}}"), false},
		{&schema.Condition{Expression: "stepX.data.score > 70"}, false},
		{&schema.Condition{Expression: "step1.data.nothing.deeper < 3"}, false},
	}
	for _, tt := range tests {
		got, err := e.Evaluate(tt.cond, scope)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%+v", tt.cond)
	}
}

func TestEvaluate_Composition(t *testing.T) {
	e := NewEvaluator(nil)
	scope := scopeWithScore(85)

	cond := &schema.Condition{And: []schema.Condition{
		*simple("step1.data.score", schema.OpGt, 70),
		{Or: []schema.Condition{
			*simple("step1.data.status", schema.OpEq, "closed"),
			*simple("step1.data.tags", schema.OpContains, "vip"),
		}},
		{Not: simple("step1.data.status", schema.OpEq, "archived")},
	}}
	ok, err := e.Evaluate(cond, scope)
	require.NoError(t, err)
	assert.True(t, ok)

	cond.And = append(cond.And, schema.Condition{Expression: "input.threshold > 100"})
	ok, err = e.Evaluate(cond, scope)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_ScoreScenario(t *testing.T) {
	e := NewEvaluator(nil)
	cond := simple("step1.data.score", schema.OpGt, 70)

	ok, err := e.Evaluate(cond, scopeWithScore(85))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(cond, scopeWithScore(60))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_Expressions(t *testing.T) {
	e := NewEvaluator(nil)
	scope := scopeWithScore(85)

	tests := []struct {
		expr string
		want bool
	}{
		{"step1.data.score > 70", true},
		{"step1.data.score > input.threshold && step1.data.status == 'open'", true},
		{"step1.data.score * 2 - 100 >= 70", true},
		{"(step1.data.score + 15) / 10 == 10", true},
		{"step1.data.score % 2 == 1", true},
		{"not (step1.data.score < 50) and step1.data.tags.length == 2", true},
		{"!step1.data.empty", true},
		{"step1.data.status != \"open\" || false", false},
		{"{{step1.data.owner.name}} == 'Ana'", true},
		{"step1.data.tags[1] == 'beta'", true},
		{"step1.data['status'] == 'open'", true},
		{"-step1.data.score < 0", true},
		{"step1.success", true},
		{"null == null", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(&schema.Condition{Expression: tt.expr}, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_RejectsCode(t *testing.T) {
	rejected := []string{
		"len(step1.data.tags) > 1",
		"step1.data.tags.push('x')",
		"x = 1",
		"score += 1",
		"if (a) { b }",
		"a > 1; b < 2",
		"function() {}",
		"let a == 1",
		"x => x",
		"step1.data.score >",
		"1 < 2 < 3",
		"'unterminated",
		"a @ b",
		"",
	}
	for _, src := range rejected {
		t.Run(src, func(t *testing.T) {
			_, err := Compile(src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, schema.ErrValidation) || errors.Is(err, schema.ErrInvalidReference), "got %v", err)
		})
	}
}

func TestValidate_ChecksNestedExpressions(t *testing.T) {
	e := NewEvaluator(nil)
	assert.NoError(t, e.Validate(&schema.Condition{Or: []schema.Condition{
		{Expression: "a.b > 1"},
		*simple("input.x", schema.OpMatches, "^a+$"),
	}}))
	assert.Error(t, e.Validate(&schema.Condition{Not: &schema.Condition{Expression: "exec('rm')"}}))
	assert.Error(t, e.Validate(simple("input..x", schema.OpExists, nil)))
	assert.Error(t, e.Validate(simple("input.x", schema.OpMatches, "(")))
}

func TestEvaluate_DataUnavailableIsFatal(t *testing.T) {
	e := NewEvaluator(nil)
	live := scopeWithScore(85)
	restored := execution.Restore("run", "user", nil, time.Now(), live.Snapshot())

	_, err := e.Evaluate(simple("step1.data.score", schema.OpGt, 1), restored)
	assert.True(t, errors.Is(err, schema.ErrDataUnavailable))

	_, err = e.Evaluate(&schema.Condition{Expression: "step1.data.score > 1"}, restored)
	assert.True(t, errors.Is(err, schema.ErrDataUnavailable))
}

func TestEvaluate_Current(t *testing.T) {
	e := NewEvaluator(nil)
	scope := scopeWithScore(85).WithCurrent(map[string]any{"amount": 120})

	ok, err := e.Evaluate(simple("current.amount", schema.OpGte, 100), scope)
	require.NoError(t, err)
	assert.True(t, ok)
}
