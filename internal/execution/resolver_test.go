package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	c := New("run-1", "user-1", map[string]any{
		"customerId": "c-42",
		"limit":      10,
	})
	c.SetVariable("counter", 3)
	c.Record(&StepOutput{
		StepID: "step1",
		Data: map[string]any{
			"score": 85.0,
			"items": []any{
				map[string]any{"email": "a@example.com", "nickname": nil},
				map[string]any{"email": "b@example.com"},
			},
		},
		Metadata: schema.StepMetadata{Success: true, DurationMs: 12},
	})
	return c
}

func TestResolve_Namespaces(t *testing.T) {
	c := newTestContext(t)

	tests := []struct {
		ref  string
		want any
	}{
		{"step1.data.items[0].email", "a@example.com"},
		{"step1.items[1].email", "b@example.com"},
		{"step1.data.score", 85.0},
		{"step1.success", true},
		{"step1.data.items.length", 2},
		{"input.customerId", "c-42"},
		{"input.limit", 10},
		{"var.counter", 3},
		{"{{ step1.data.items[0].email }}", "a@example.com"},
		{"step1.data.items[0].nickname", nil},
		{"step1.data.items[1].nickname?", nil},
		{"step1.data.missing?.deeper", nil},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := c.Resolve(tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	c := newTestContext(t)

	_, err := c.Resolve("step2.data.x")
	assert.True(t, errors.Is(err, schema.ErrStepNotYetExecuted))

	_, err = c.Resolve("step1.data.items[0].phone")
	assert.True(t, errors.Is(err, schema.ErrPathNotFound))

	_, err = c.Resolve("step1.data.items[5]")
	assert.True(t, errors.Is(err, schema.ErrPathNotFound))

	_, err = c.Resolve("input.nope")
	assert.True(t, errors.Is(err, schema.ErrPathNotFound))

	_, err = c.Resolve("var.nope")
	assert.True(t, errors.Is(err, schema.ErrPathNotFound))

	_, err = c.Resolve("step1..data")
	assert.True(t, errors.Is(err, schema.ErrInvalidReference))

	_, err = c.Resolve("current.x")
	assert.True(t, errors.Is(err, schema.ErrInvalidReference))
}

func TestResolve_Idempotent(t *testing.T) {
	c := newTestContext(t)

	first, err := c.Resolve("step1.data.items")
	require.NoError(t, err)
	first.([]any)[0].(map[string]any)["email"] = "mutated"

	second, err := c.Resolve("step1.data.items")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", second.([]any)[0].(map[string]any)["email"])

	third, err := c.Resolve("step1.data.items")
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

func TestResolveAll_WholeAndInline(t *testing.T) {
	c := newTestContext(t)

	out, err := c.ResolveAll(map[string]any{
		"to":      "{{step1.data.items[0].email}}",
		"score":   "{{step1.data.score}}",
		"subject": "Score for {{input.customerId}} is {{step1.data.score}}",
		"list":    []any{"{{var.counter}}", "n={{var.counter}}", 7},
		"blob":    "items: {{step1.data.items[1]}}",
		"plain":   "no refs",
	})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "a@example.com", m["to"])
	assert.Equal(t, 85.0, m["score"])
	assert.Equal(t, "Score for c-42 is 85", m["subject"])
	assert.Equal(t, []any{3, "n=3", 7}, m["list"])
	assert.Equal(t, `items: {"email":"b@example.com"}`, m["blob"])
	assert.Equal(t, "no refs", m["plain"])
}

func TestResolveAll_PropagatesErrors(t *testing.T) {
	c := newTestContext(t)
	_, err := c.ResolveAll(map[string]any{"x": "hello {{step9.data}}"})
	assert.True(t, errors.Is(err, schema.ErrStepNotYetExecuted))
}

func TestChildScope_FallsBackToParent(t *testing.T) {
	c := newTestContext(t)
	child := c.Child()
	child.SetVariable("counter", 99)
	child.Record(&StepOutput{StepID: "inner", Data: "x", Metadata: schema.StepMetadata{Success: true}})

	v, err := child.Resolve("var.counter")
	require.NoError(t, err)
	assert.Equal(t, 99, v)

	v, err = child.Resolve("step1.data.score")
	require.NoError(t, err)
	assert.Equal(t, 85.0, v)

	_, err = c.Resolve("inner")
	assert.True(t, errors.Is(err, schema.ErrStepNotYetExecuted), "child outputs must not leak to the parent")

	v, err = c.Resolve("var.counter")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestWithCurrent(t *testing.T) {
	c := newTestContext(t)
	view := c.WithCurrent(map[string]any{"status": "open"})

	v, err := view.Resolve("current.status")
	require.NoError(t, err)
	assert.Equal(t, "open", v)

	_, err = c.Resolve("current.status")
	assert.Error(t, err)
}

func TestRecord_MovesBetweenLists(t *testing.T) {
	c := New("r", "u", nil)
	c.Record(&StepOutput{StepID: "a", Metadata: schema.StepMetadata{Success: false, Error: "boom"}})
	assert.Equal(t, []string{"a"}, c.Failed())

	c.Record(&StepOutput{StepID: "a", Metadata: schema.StepMetadata{Success: true, TokensUsed: 5}})
	assert.Empty(t, c.Failed())
	assert.Equal(t, []string{"a"}, c.Completed())
	assert.Len(t, c.Trace(), 1)
	assert.Equal(t, 5, c.TotalTokensUsed)

	c.MarkSkipped("b")
	assert.Equal(t, StateSkipped, c.State("b"))
	assert.Equal(t, []string{"b"}, c.Skipped())
}

func TestRestore_MarksDataUnavailable(t *testing.T) {
	c := newTestContext(t)
	c.CurrentLevel = 2
	snap := c.Snapshot()

	restored := Restore("run-1", "user-1", map[string]any{"customerId": "c-42"}, time.Now(), snap)
	assert.Equal(t, []string{"step1"}, restored.Completed())
	assert.Equal(t, 2, restored.CurrentLevel)

	_, err := restored.Resolve("step1.data.score")
	assert.True(t, errors.Is(err, schema.ErrDataUnavailable))

	v, err := restored.Resolve("var.counter")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestSnapshot_HasNoStepData(t *testing.T) {
	c := newTestContext(t)
	snap := c.Snapshot()
	require.Len(t, snap.Trace, 1)
	assert.Equal(t, "step1", snap.Trace[0].StepID)
	assert.Equal(t, int64(12), snap.Trace[0].DurationMs)
}

func TestReferences(t *testing.T) {
	refs := References(map[string]any{
		"a": "{{fetch.data.items}}",
		"b": []any{"x {{input.id}} {{score.data}}", "{{var.z}}"},
	})
	assert.ElementsMatch(t, []string{"fetch", "score"}, refs)
}
