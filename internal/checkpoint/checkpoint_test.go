package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

const secret = "4111-1111-1111-1111"

func testPlan() schema.Plan {
	return schema.Plan{
		ID: "billing",
		Steps: []schema.StepDefinition{
			{ID: "fetch", Kind: schema.KindAction, Body: &schema.ActionStep{Plugin: "core", Action: "echo"}},
		},
	}
}

func newRun(t *testing.T, s *Store) *execution.Context {
	t.Helper()
	ectx := execution.New("run-1", "user-1", map[string]any{"customer": "c-9"})
	ectx.PlanID = "billing"
	require.NoError(t, s.Create(context.Background(), ectx, testPlan()))
	return ectx
}

func recordFetch(ectx *execution.Context) {
	ectx.Record(&execution.StepOutput{
		StepID: "fetch",
		Data:   map[string]any{"card": secret},
		Metadata: schema.StepMetadata{
			Success: true, StartedAt: time.Now().UTC(), DurationMs: 12, Attempts: 1, TokensUsed: 40,
		},
		Variables: map[string]any{"region": "eu"},
	})
	ectx.CurrentLevel = 1
}

func TestCheckpoint_PersistsMetadataOnly(t *testing.T) {
	ms := store.NewMemoryStore()
	s := New(ms, nil)
	ectx := newRun(t, s)
	recordFetch(ectx)

	require.NoError(t, s.Checkpoint(context.Background(), ectx))
	require.NoError(t, s.Checkpoint(context.Background(), ectx), "checkpoint is repeatable")

	rec, err := s.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, rec.Status)
	assert.Equal(t, []string{"fetch"}, rec.Completed)
	assert.Equal(t, 1, rec.CurrentLevel)
	assert.Equal(t, 40, rec.TotalTokens)
	assert.Equal(t, "eu", rec.Variables["region"])
	require.Len(t, rec.ExecutionTrace, 1)
	assert.Equal(t, int64(12), rec.ExecutionTrace[0].DurationMs)

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret)
}

func TestCheckpoint_PauseAndResume(t *testing.T) {
	ms := store.NewMemoryStore()
	s := New(ms, nil)
	ectx := newRun(t, s)
	recordFetch(ectx)
	require.NoError(t, s.Pause(context.Background(), ectx, "gate", "req-1"))

	rec, restored, err := s.LoadForResume(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, rec.Status)
	assert.Equal(t, "gate", rec.CurrentStepID)
	assert.Equal(t, "req-1", rec.PausedOn)

	assert.Equal(t, []string{"fetch"}, restored.Completed())
	assert.Equal(t, 40, restored.TotalTokensUsed)
	assert.Equal(t, "billing", restored.PlanID)

	v, err := restored.Resolve("var.region")
	require.NoError(t, err)
	assert.Equal(t, "eu", v)
	v, err = restored.Resolve("input.customer")
	require.NoError(t, err)
	assert.Equal(t, "c-9", v)

	_, err = restored.Resolve("fetch.data.card")
	assert.True(t, errors.Is(err, schema.ErrDataUnavailable))
}

func TestClaim_SingleResumer(t *testing.T) {
	ms := store.NewMemoryStore()
	owner := New(ms, nil)
	ectx := newRun(t, owner)
	require.NoError(t, owner.Pause(context.Background(), ectx, "gate", "req-1"))
	owner.Release("run-1")

	workerA, workerB := New(ms, nil), New(ms, nil)
	recA, ctxA, err := workerA.LoadForResume(context.Background(), "run-1")
	require.NoError(t, err)
	recB, _, err := workerB.LoadForResume(context.Background(), "run-1")
	require.NoError(t, err)

	require.NoError(t, workerA.Claim(context.Background(), recA))
	err = workerB.Claim(context.Background(), recB)
	assert.True(t, errors.Is(err, schema.ErrConflict), "second claim loses the CAS: %v", err)

	// The loser never got a version, so it cannot write progress either.
	err = workerB.Checkpoint(context.Background(), ctxA)
	assert.True(t, errors.Is(err, schema.ErrConflict))

	require.NoError(t, workerA.Checkpoint(context.Background(), ctxA))

}

func TestClaim_TakeoverFencesPreviousDriver(t *testing.T) {
	ms := store.NewMemoryStore()
	crashed := New(ms, nil)
	ectx := newRun(t, crashed)
	recordFetch(ectx)
	require.NoError(t, crashed.Checkpoint(context.Background(), ectx))

	taker := New(ms, nil)
	rec, restored, err := taker.LoadForResume(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusRunning, rec.Status)
	require.NoError(t, taker.Claim(context.Background(), rec))
	assert.Equal(t, []string{"fetch"}, restored.Completed())

	err = crashed.Checkpoint(context.Background(), ectx)
	assert.True(t, errors.Is(err, schema.ErrConflict), "the old driver's next write must lose: %v", err)
	require.NoError(t, taker.Checkpoint(context.Background(), restored))

	require.NoError(t, taker.Complete(context.Background(), restored, nil))
	rec, err = ms.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	err = taker.Claim(context.Background(), rec)
	assert.True(t, errors.Is(err, schema.ErrInvalidTransition), "finished runs stay finished: %v", err)
}

func TestCheckpoint_StaleWriterConflicts(t *testing.T) {
	ms := store.NewMemoryStore()
	s := New(ms, nil)
	ectx := newRun(t, s)

	rec, err := ms.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	_, err = ms.UpdateRunProgress(context.Background(), "run-1", rec.Version, &store.RunProgress{Status: schema.RunStatusRunning})
	require.NoError(t, err)

	err = s.Checkpoint(context.Background(), ectx)
	assert.True(t, errors.Is(err, schema.ErrConflict))
}

func TestCompleteAndFail(t *testing.T) {
	ms := store.NewMemoryStore()
	s := New(ms, nil)

	ectx := newRun(t, s)
	recordFetch(ectx)
	require.NoError(t, s.Complete(context.Background(), ectx, map[string]any{"ok": true}))
	rec, err := s.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, rec.Status)
	assert.Equal(t, map[string]any{"ok": true}, rec.FinalOutput)
	assert.NotNil(t, rec.CompletedAt)

	failing := execution.New("run-2", "user-1", nil)
	require.NoError(t, s.Create(context.Background(), failing, testPlan()))
	cause := schema.NewStepError(schema.ClassInternal, "%s", strings.Repeat("x", 3000)).WithStep("fetch")
	require.NoError(t, s.Fail(context.Background(), failing, cause))

	rec, err = s.Get(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, rec.Status)
	assert.Equal(t, MaxErrorMessage, len([]rune(rec.ErrorMessage)))
	assert.True(t, strings.HasSuffix(rec.ErrorMessage, "..."))
	assert.True(t, strings.HasPrefix(rec.ErrorMessage, "[STEP_EXECUTION_ERROR] step fetch:"))
}
