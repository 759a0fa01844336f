package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// storeFactories returns every Store implementation the suite runs against.
// Postgres joins when ORCHESTRATOR_TEST_POSTGRES_DSN is set.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"libsql": func(t *testing.T) Store {
			dir := t.TempDir()
			s, err := NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
			require.NoError(t, err)
			require.NoError(t, s.Migrate(context.Background()))
			t.Cleanup(func() {
				_ = s.Close()
				_ = os.RemoveAll(dir)
			})
			return s
		},
	}
	if dsn := os.Getenv("ORCHESTRATOR_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), PostgresConfig{URL: dsn})
			require.NoError(t, err)
			require.NoError(t, s.Migrate(context.Background()))
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func testPlan() schema.Plan {
	return schema.Plan{
		Name: "greet",
		Steps: []schema.StepDefinition{{
			ID:           "hello",
			Kind:         schema.KindAction,
			Dependencies: []string{},
			Params:       map[string]any{"message": "hi {{input.name}}"},
			Body:         &schema.ActionStep{Plugin: "core", Action: "echo"},
		}},
	}
}

func seedRun(t *testing.T, s Store, userID string) *RunRecord {
	t.Helper()
	rec := &RunRecord{
		RunID:  uuid.New().String(),
		UserID: userID,
		Status: schema.RunStatusRunning,
		Plan:   testPlan(),
		Inputs: map[string]any{"name": "ada"},
	}
	require.NoError(t, s.CreateRun(context.Background(), rec))
	return rec
}

func requireCode(t *testing.T, err error, sentinel error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel), "expected %v, got %v", sentinel, err)
}

// --- Runs ---

func TestStore_CreateAndGetRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := seedRun(t, s, "user-1")
		assert.Equal(t, int64(1), rec.Version)

		got, err := s.GetRun(ctx, rec.RunID)
		require.NoError(t, err)
		assert.Equal(t, rec.RunID, got.RunID)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, schema.RunStatusRunning, got.Status)
		assert.Equal(t, "ada", got.Inputs["name"])
		require.Len(t, got.Plan.Steps, 1)
		assert.Equal(t, schema.KindAction, got.Plan.Steps[0].Kind)
		action, ok := got.Plan.Steps[0].Body.(*schema.ActionStep)
		require.True(t, ok)
		assert.Equal(t, "echo", action.Action)
		assert.Empty(t, got.Completed)
		assert.NotNil(t, got.Completed)
		assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Second)
	})
}

func TestStore_GetRun_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetRun(context.Background(), "missing")
		requireCode(t, err, schema.ErrNotFound)
	})
}

func TestStore_CreateRun_Duplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		rec := seedRun(t, s, "user-1")
		dup := &RunRecord{RunID: rec.RunID, UserID: "user-2", Status: schema.RunStatusRunning, Plan: testPlan()}
		requireCode(t, s.CreateRun(context.Background(), dup), schema.ErrConflict)
	})
}

func TestStore_UpdateRunProgress_CAS(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := seedRun(t, s, "user-1")
		items := 3

		progress := &RunProgress{
			Status:       schema.RunStatusRunning,
			Variables:    map[string]any{"counter": float64(2)},
			CurrentLevel: 1,
			Completed:    []string{"hello"},
			ExecutionTrace: []schema.StepMetadata{{
				StepID: "hello", Success: true, DurationMs: 12, Attempts: 1, ItemCount: &items,
			}},
			TotalTokens: 40,
		}
		v, err := s.UpdateRunProgress(ctx, rec.RunID, 1, progress)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)

		// A stale writer loses.
		_, err = s.UpdateRunProgress(ctx, rec.RunID, 1, progress)
		requireCode(t, err, schema.ErrConflict)

		got, err := s.GetRun(ctx, rec.RunID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, []string{"hello"}, got.Completed)
		assert.Equal(t, 1, got.CurrentLevel)
		assert.Equal(t, 40, got.TotalTokens)
		assert.Equal(t, float64(2), got.Variables["counter"])
		require.Len(t, got.ExecutionTrace, 1)
		require.NotNil(t, got.ExecutionTrace[0].ItemCount)
		assert.Equal(t, 3, *got.ExecutionTrace[0].ItemCount)

		now := time.Now().UTC()
		v, err = s.UpdateRunProgress(ctx, rec.RunID, 2, &RunProgress{
			Status:      schema.RunStatusCompleted,
			Completed:   []string{"hello"},
			FinalOutput: map[string]any{"greeting": "hi ada"},
			CompletedAt: &now,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)

		got, err = s.GetRun(ctx, rec.RunID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusCompleted, got.Status)
		assert.Equal(t, map[string]any{"greeting": "hi ada"}, got.FinalOutput)
		require.NotNil(t, got.CompletedAt)
	})
}

func TestStore_UpdateRunProgress_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.UpdateRunProgress(context.Background(), "missing", 1, &RunProgress{Status: schema.RunStatusFailed})
		requireCode(t, err, schema.ErrNotFound)
	})
}

func TestStore_RequestPause(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := seedRun(t, s, "user-1")

		require.NoError(t, s.RequestPause(ctx, rec.RunID))
		got, err := s.GetRun(ctx, rec.RunID)
		require.NoError(t, err)
		require.NotNil(t, got.PauseRequestedAt)
		assert.Equal(t, int64(1), got.Version, "the owner's CAS must still succeed")

		// Running checkpoints keep the request.
		_, err = s.UpdateRunProgress(ctx, rec.RunID, 1, &RunProgress{Status: schema.RunStatusRunning})
		require.NoError(t, err)
		got, err = s.GetRun(ctx, rec.RunID)
		require.NoError(t, err)
		assert.NotNil(t, got.PauseRequestedAt)

		// Honouring it clears it.
		_, err = s.UpdateRunProgress(ctx, rec.RunID, 2, &RunProgress{Status: schema.RunStatusPaused})
		require.NoError(t, err)
		got, err = s.GetRun(ctx, rec.RunID)
		require.NoError(t, err)
		assert.Nil(t, got.PauseRequestedAt)

		requireCode(t, s.RequestPause(ctx, rec.RunID), schema.ErrInvalidTransition)
		requireCode(t, s.RequestPause(ctx, "missing"), schema.ErrNotFound)
	})
}

func TestStore_ListRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := seedRun(t, s, "user-1")
		time.Sleep(5 * time.Millisecond)
		seedRun(t, s, "user-2")
		time.Sleep(5 * time.Millisecond)
		third := seedRun(t, s, "user-1")

		_, err := s.UpdateRunProgress(ctx, first.RunID, 1, &RunProgress{Status: schema.RunStatusPaused, PausedOn: "req-1"})
		require.NoError(t, err)

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		mine, err := s.ListRuns(ctx, RunFilter{UserID: "user-1"})
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, third.RunID, mine[0].RunID, "newest first")

		paused := schema.RunStatusPaused
		got, err := s.ListRuns(ctx, RunFilter{Status: &paused})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "req-1", got[0].PausedOn)

		page, err := s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, page, 1)
	})
}

// --- Approval requests ---

func newApproval(runID, stepID string, createdAt time.Time) *ApprovalRequest {
	return &ApprovalRequest{
		ID:        uuid.New().String(),
		RunID:     runID,
		StepID:    stepID,
		Approvers: []string{"alice", "bob"},
		Mode:      schema.ApprovalAny,
		OnTimeout: schema.TimeoutReject,
		Status:    schema.ApprovalPending,
		TimeoutMs: 60000,
		CreatedAt: createdAt,
		TimeoutAt: createdAt.Add(time.Minute),
	}
}

func TestStore_ApprovalLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "user-1")
		req := newApproval(run.RunID, "gate", time.Now().UTC())
		require.NoError(t, s.CreateApproval(ctx, req))
		assert.Equal(t, int64(1), req.Version)

		got, err := s.GetApproval(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, got.Approvers)
		assert.Empty(t, got.Responses)
		assert.False(t, got.HasResponded("alice"))

		got.Responses = append(got.Responses, ApprovalResponse{
			Approver: "alice", Decision: schema.DecisionApprove, Comment: "ok", At: time.Now().UTC(),
		})
		got.Status = schema.ApprovalApproved
		resolved := time.Now().UTC()
		got.ResolvedAt = &resolved
		require.NoError(t, s.UpdateApproval(ctx, got))
		assert.Equal(t, int64(2), got.Version)

		// The original copy is stale now.
		req.Status = schema.ApprovalRejected
		requireCode(t, s.UpdateApproval(ctx, req), schema.ErrConflict)

		final, err := s.GetApproval(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.ApprovalApproved, final.Status)
		assert.True(t, final.HasResponded("alice"))
		require.NotNil(t, final.ResolvedAt)
	})
}

func TestStore_GetApproval_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetApproval(context.Background(), "missing")
		requireCode(t, err, schema.ErrNotFound)

		req := newApproval("run", "gate", time.Now())
		req.ID = "missing"
		requireCode(t, s.UpdateApproval(context.Background(), req), schema.ErrNotFound)
	})
}

func TestStore_ListApprovals(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "user-1")
		base := time.Now().UTC().Add(-time.Hour)

		first := newApproval(run.RunID, "gate", base)
		first.TimeoutAt = base.Add(10 * time.Minute)
		second := newApproval(run.RunID, "gate", base.Add(time.Minute))
		second.EscalationLevel = 1
		second.ParentRequestID = first.ID
		second.TimeoutAt = base.Add(2 * time.Hour)
		other := newApproval(run.RunID, "other", base.Add(2*time.Minute))
		other.TimeoutAt = base.Add(20 * time.Minute)
		for _, r := range []*ApprovalRequest{second, other, first} {
			require.NoError(t, s.CreateApproval(ctx, r))
		}

		gate, err := s.ListApprovals(ctx, ApprovalFilter{RunID: run.RunID, StepID: "gate"})
		require.NoError(t, err)
		require.Len(t, gate, 2)
		assert.Equal(t, first.ID, gate[0].ID, "oldest first")
		assert.Equal(t, first.ID, gate[1].ParentRequestID)

		now := time.Now().UTC()
		pending := schema.ApprovalPending
		due, err := s.ListApprovals(ctx, ApprovalFilter{Status: &pending, DueBefore: &now})
		require.NoError(t, err)
		ids := make([]string, 0, len(due))
		for _, r := range due {
			ids = append(ids, r.ID)
		}
		assert.ElementsMatch(t, []string{first.ID, other.ID}, ids)
	})
}

// --- Plans ---

func TestStore_PlanUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := &PlanRecord{ID: "greet", Name: "greet v1", Plan: testPlan()}
		require.NoError(t, s.SavePlan(ctx, rec))

		rec.Name = "greet v2"
		require.NoError(t, s.SavePlan(ctx, rec))

		got, err := s.GetPlan(ctx, "greet")
		require.NoError(t, err)
		assert.Equal(t, "greet v2", got.Name)
		require.Len(t, got.Plan.Steps, 1)

		require.NoError(t, s.SavePlan(ctx, &PlanRecord{ID: "another", Plan: testPlan()}))
		all, err := s.ListPlans(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "another", all[0].ID)

		require.NoError(t, s.DeletePlan(ctx, "another"))
		requireCode(t, s.DeletePlan(ctx, "another"), schema.ErrNotFound)
		_, err = s.GetPlan(ctx, "another")
		requireCode(t, err, schema.ErrNotFound)
	})
}

// --- Schedules ---

func TestStore_Schedules(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SavePlan(ctx, &PlanRecord{ID: "greet", Plan: testPlan()}))

		sch := &Schedule{
			ID:             uuid.New().String(),
			PlanID:         "greet",
			CronExpression: "*/5 * * * *",
			UserID:         "user-1",
			Inputs:         map[string]any{"name": "ada"},
			Enabled:        true,
		}
		require.NoError(t, s.CreateSchedule(ctx, sch))
		disabled := &Schedule{ID: uuid.New().String(), PlanID: "greet", CronExpression: "@hourly", UserID: "user-1"}
		require.NoError(t, s.CreateSchedule(ctx, disabled))

		enabled, err := s.ListSchedules(ctx, true)
		require.NoError(t, err)
		require.Len(t, enabled, 1)
		assert.Equal(t, sch.ID, enabled[0].ID)
		assert.Equal(t, "ada", enabled[0].Inputs["name"])

		all, err := s.ListSchedules(ctx, false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		ranAt := time.Now().UTC()
		runID, status := "run-1", string(schema.RunStatusCompleted)
		off := false
		require.NoError(t, s.UpdateSchedule(ctx, sch.ID, ScheduleUpdate{
			LastRunAt: &ranAt, LastRunID: &runID, LastRunStatus: &status, Enabled: &off,
		}))
		got, err := s.GetSchedule(ctx, sch.ID)
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Equal(t, "run-1", got.LastRunID)
		assert.Equal(t, "completed", got.LastRunStatus)
		require.NotNil(t, got.LastRunAt)
		assert.WithinDuration(t, ranAt, *got.LastRunAt, time.Second)

		requireCode(t, s.UpdateSchedule(ctx, "missing", ScheduleUpdate{Enabled: &off}), schema.ErrNotFound)
		require.NoError(t, s.DeleteSchedule(ctx, sch.ID))
		requireCode(t, s.DeleteSchedule(ctx, sch.ID), schema.ErrNotFound)
	})
}

// --- Memory store specifics ---

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := seedRun(t, s, "user-1")

	got, err := s.GetRun(ctx, rec.RunID)
	require.NoError(t, err)
	got.Inputs["name"] = "mutated"
	got.Completed = append(got.Completed, "x")

	again, err := s.GetRun(ctx, rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, "ada", again.Inputs["name"])
	assert.Empty(t, again.Completed)
}

// --- Dialect ---

func TestDialect_Rebind(t *testing.T) {
	q := `UPDATE runs SET status = ? WHERE run_id = ? AND version = ?`
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, `UPDATE runs SET status = $1 WHERE run_id = $2 AND version = $3`, dialectPostgres.rebind(q))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE INDEX i ON a(x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}

func TestPostgresConfig_Validate(t *testing.T) {
	assert.Error(t, PostgresConfig{}.Validate())
	assert.NoError(t, PostgresConfig{URL: "postgres://localhost/orchestrator"}.Validate())
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	for i := 1; i < len(ms); i++ {
		assert.Greater(t, ms[i].Version, ms[i-1].Version)
	}
}
