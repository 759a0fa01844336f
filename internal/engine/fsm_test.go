package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/internal/audit"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// failSink always returns an error.
type failSink struct{}

func (failSink) Record(context.Context, audit.Entry) error { return errors.New("sink unavailable") }

func TestRunFSM_ValidTransitions(t *testing.T) {
	sink := &audit.MemorySink{}
	fsm := NewRunFSM(sink, nil)
	ctx := context.Background()

	steps := []struct{ from, to schema.RunStatus }{
		{"", schema.RunStatusRunning},
		{schema.RunStatusRunning, schema.RunStatusPaused},
		{schema.RunStatusPaused, schema.RunStatusRunning},
		{schema.RunStatusRunning, schema.RunStatusCompleted},
	}
	for _, s := range steps {
		require.NoError(t, fsm.Transition(ctx, Transition{RunID: "run-1", UserID: "u1", From: s.from, To: s.to}))
	}

	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventRunPaused,
		schema.EventRunResumed,
		schema.EventRunCompleted,
	}, sink.Events())

	entries := sink.Entries()
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "running", entries[1].Details["from"])
	assert.Equal(t, "paused", entries[1].Details["to"])
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	fsm := NewRunFSM(nil, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to schema.RunStatus
	}{
		{"create as completed", "", schema.RunStatusCompleted},
		{"create as paused", "", schema.RunStatusPaused},
		{"completed is terminal", schema.RunStatusCompleted, schema.RunStatusRunning},
		{"failed is terminal", schema.RunStatusFailed, schema.RunStatusRunning},
		{"paused cannot complete", schema.RunStatusPaused, schema.RunStatusCompleted},
		{"running to running", schema.RunStatusRunning, schema.RunStatusRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fsm.Transition(ctx, Transition{RunID: "r", From: tt.from, To: tt.to})
			require.Error(t, err)
			oe, ok := schema.AsOrchestratorError(err)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeInvalidTransition, oe.Code)
		})
	}
}

func TestRunFSM_PausedCanFail(t *testing.T) {
	fsm := NewRunFSM(nil, nil)
	assert.NoError(t, fsm.Transition(context.Background(), Transition{
		RunID: "r", From: schema.RunStatusPaused, To: schema.RunStatusFailed,
	}))
}

func TestRunFSM_BeforeHookAborts(t *testing.T) {
	sink := &audit.MemorySink{}
	fsm := NewRunFSM(sink, nil)
	fsm.OnBefore(schema.RunStatusRunning, schema.RunStatusCompleted, func(context.Context, Transition) error {
		return errors.New("not yet")
	})

	err := fsm.Transition(context.Background(), Transition{
		RunID: "r", From: schema.RunStatusRunning, To: schema.RunStatusCompleted,
	})
	require.EqualError(t, err, "not yet")
	assert.Empty(t, sink.Events(), "aborted transitions are not recorded")
}

func TestRunFSM_AfterHooks(t *testing.T) {
	fsm := NewRunFSM(nil, nil)
	var seen []Transition
	fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusFailed, func(_ context.Context, tr Transition) error {
		seen = append(seen, tr)
		return errors.New("hook errors are logged only")
	})

	require.NoError(t, fsm.Transition(context.Background(), Transition{
		RunID: "r", UserID: "u", From: schema.RunStatusRunning, To: schema.RunStatusFailed,
		Detail: map[string]any{"error": "boom"},
	}))
	require.NoError(t, fsm.Transition(context.Background(), Transition{
		RunID: "r2", From: schema.RunStatusRunning, To: schema.RunStatusCompleted,
	}))

	require.Len(t, seen, 1, "hooks fire only for their transition")
	assert.Equal(t, "r", seen[0].RunID)
	assert.Equal(t, "boom", seen[0].Detail["error"])
}

func TestRunFSM_SinkFailureDoesNotBlock(t *testing.T) {
	fsm := NewRunFSM(failSink{}, nil)
	assert.NoError(t, fsm.Transition(context.Background(), Transition{RunID: "r", To: schema.RunStatusRunning}))
}

func TestRunFSM_DetailMergedIntoAudit(t *testing.T) {
	sink := &audit.MemorySink{}
	fsm := NewRunFSM(sink, nil)
	require.NoError(t, fsm.Transition(context.Background(), Transition{
		RunID: "r", To: schema.RunStatusRunning, Detail: map[string]any{"plan_id": "p1"},
	}))
	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "p1", entries[0].Details["plan_id"])
	assert.Equal(t, "", entries[0].Details["from"])
}
