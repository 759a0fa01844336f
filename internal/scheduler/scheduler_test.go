package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/internal/engine"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// mockRunner tracks RunStored calls.
type mockRunner struct {
	mu     sync.Mutex
	calls  []runCall
	status schema.RunStatus
	err    error
}

type runCall struct {
	PlanID string
	UserID string
	Inputs map[string]any
}

func (r *mockRunner) RunStored(_ context.Context, planID, userID string, inputs map[string]any) (*engine.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{PlanID: planID, UserID: userID, Inputs: inputs})
	if r.err != nil {
		return nil, r.err
	}
	status := r.status
	if status == "" {
		status = schema.RunStatusCompleted
	}
	return &engine.RunResult{RunID: "run-" + planID, Status: status, Success: status == schema.RunStatusCompleted}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type mockSweeper struct {
	mu         sync.Mutex
	calls      int
	recoveries int
	timeoutErr error
}

func (m *mockSweeper) CheckApprovalTimeouts(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return 0, m.timeoutErr
}

func (m *mockSweeper) RecoverInterrupted(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveries++
	return 1, nil
}

func (m *mockSweeper) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockSweeper) recovered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveries
}

func newTestStore(t *testing.T, planIDs ...string) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	for _, id := range planIDs {
		require.NoError(t, ms.SavePlan(context.Background(), &store.PlanRecord{
			ID:   id,
			Plan: schema.Plan{ID: id, Steps: []schema.StepDefinition{{ID: "a", Kind: schema.KindAction, Body: &schema.ActionStep{Plugin: "p", Action: "x"}}}},
		}))
	}
	return ms
}

func newTestScheduler(s store.ScheduleStore, runner PlanRunner) *Scheduler {
	return NewScheduler(s, runner, nil, Config{}, slog.Default())
}

func addSchedule(t *testing.T, ms *store.MemoryStore, sch *store.Schedule) {
	t.Helper()
	if sch.CronExpression == "" {
		sch.CronExpression = "0 * * * *"
	}
	if sch.UserID == "" {
		sch.UserID = "system"
	}
	require.NoError(t, ms.CreateSchedule(context.Background(), sch))
}

// --- Tests ---

func TestNextRun(t *testing.T) {
	sched := newTestScheduler(newTestStore(t), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.NextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.NextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickRunsDueSchedules(t *testing.T) {
	ms := newTestStore(t, "deploy")
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	addSchedule(t, ms, &store.Schedule{
		ID: "sch-1", PlanID: "deploy", UserID: "ops",
		Inputs:  map[string]any{"env": "staging"},
		Enabled: true, NextRunAt: &past,
	})

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	call := runner.calls[0]
	assert.Equal(t, "deploy", call.PlanID)
	assert.Equal(t, "ops", call.UserID)
	assert.Equal(t, "staging", call.Inputs["env"])

	got, err := ms.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.Equal(t, "run-deploy", got.LastRunID)
}

func TestTickSkipsNotDueAndDisabled(t *testing.T) {
	ms := newTestStore(t, "deploy")
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	future := time.Now().UTC().Add(time.Hour)
	past := time.Now().UTC().Add(-time.Hour)
	addSchedule(t, ms, &store.Schedule{ID: "future", PlanID: "deploy", Enabled: true, NextRunAt: &future})
	addSchedule(t, ms, &store.Schedule{ID: "disabled", PlanID: "deploy", Enabled: false, NextRunAt: &past})

	sched.tick(context.Background())

	assert.Equal(t, 0, runner.callCount())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newTestStore(t, "deploy")
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	addSchedule(t, ms, &store.Schedule{ID: "nil-next", PlanID: "deploy", Enabled: true})

	sched.tick(context.Background())

	assert.Equal(t, 1, runner.callCount())
}

func TestPausedRunRecordsStatus(t *testing.T) {
	ms := newTestStore(t, "review")
	runner := &mockRunner{status: schema.RunStatusPaused}
	sched := newTestScheduler(ms, runner)

	addSchedule(t, ms, &store.Schedule{ID: "s", PlanID: "review", Enabled: true})
	sched.tick(context.Background())

	got, err := ms.GetSchedule(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "paused", got.LastRunStatus)
}

func TestRunFailureRecordsError(t *testing.T) {
	ms := newTestStore(t, "deploy")
	runner := &mockRunner{err: assert.AnError}
	sched := newTestScheduler(ms, runner)

	past := time.Now().UTC().Add(-time.Hour)
	addSchedule(t, ms, &store.Schedule{ID: "fail", PlanID: "deploy", Enabled: true, NextRunAt: &past})

	sched.tick(context.Background())

	got, err := ms.GetSchedule(context.Background(), "fail")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	assert.Empty(t, got.LastRunID)
	assert.NotNil(t, got.NextRunAt)
}

func TestRecoverMissed(t *testing.T) {
	ms := newTestStore(t, "cleanup")
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)
	addSchedule(t, ms, &store.Schedule{ID: "missed", PlanID: "cleanup", Enabled: true, NextRunAt: &past})
	addSchedule(t, ms, &store.Schedule{ID: "never-ran", PlanID: "cleanup", Enabled: true})

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.callCount(), "schedules with no next run are left to the loop")
	got, err := ms.GetSchedule(ctx, "missed")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newTestStore(t, "deploy")
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	addSchedule(t, ms, &store.Schedule{ID: "dedup", PlanID: "deploy", Enabled: true, NextRunAt: &past})

	assert.True(t, sched.tryAcquire("dedup"))
	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	sched.release("dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestCreateSchedule(t *testing.T) {
	ms := newTestStore(t, "deploy")
	sched := newTestScheduler(ms, &mockRunner{})
	fixed := time.Date(2026, 2, 10, 12, 5, 0, 0, time.UTC)
	sched.now = func() time.Time { return fixed }
	ctx := context.Background()

	sch, err := sched.Create(ctx, "deploy", "*/15 * * * *", "ops", map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.NotEmpty(t, sch.ID)
	assert.True(t, sch.Enabled)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), *sch.NextRunAt)

	got, err := ms.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Inputs["env"])

	_, err = sched.Create(ctx, "deploy", "not a cron", "ops", nil)
	assert.ErrorIs(t, err, schema.ErrValidation)

	_, err = sched.Create(ctx, "missing", "@hourly", "ops", nil)
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestSetEnabled(t *testing.T) {
	ms := newTestStore(t, "deploy")
	sched := newTestScheduler(ms, &mockRunner{})
	ctx := context.Background()

	addSchedule(t, ms, &store.Schedule{ID: "toggle", PlanID: "deploy", Enabled: true})
	require.NoError(t, sched.SetEnabled(ctx, "toggle", false))
	got, err := ms.GetSchedule(ctx, "toggle")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, sched.SetEnabled(ctx, "toggle", true))
	got, err = ms.GetSchedule(ctx, "toggle")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.NotNil(t, got.NextRunAt)

	assert.ErrorIs(t, sched.SetEnabled(ctx, "missing", true), schema.ErrNotFound)
}

func TestStartStopSweeps(t *testing.T) {
	ms := newTestStore(t)
	sweeper := &mockSweeper{}
	sched := NewScheduler(ms, &mockRunner{}, sweeper, Config{TickInterval: time.Hour, SweepInterval: 10 * time.Millisecond}, slog.Default())

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	assert.Eventually(t, func() bool { return sweeper.count() >= 3 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, sweeper.recovered(), 1)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestSweep_RecoversRunsWhenTimeoutsFail(t *testing.T) {
	sweeper := &mockSweeper{timeoutErr: errors.New("store down")}
	sched := NewScheduler(newTestStore(t), &mockRunner{}, sweeper, Config{}, slog.Default())

	sched.sweep(context.Background())
	assert.Equal(t, 1, sweeper.count())
	assert.Equal(t, 1, sweeper.recovered())
}
