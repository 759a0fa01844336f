package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/internal/actions"
	"github.com/agentspilot/orchestrator/internal/engine"
	"github.com/agentspilot/orchestrator/internal/plans"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/internal/validation"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// --- Helpers ---

type testEnv struct {
	server *OrchestratorServer
	store  *store.MemoryStore
	plans  *plans.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.Default()
	ms := store.NewMemoryStore()

	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	registry := actions.NewRegistry(logger)
	_, err = registry.RegisterPlugin(actions.CorePlugin(logger, validator))
	require.NoError(t, err)

	repo := plans.NewRepository(ms, validator, time.Minute, logger)
	orch, err := engine.New(engine.Config{}, engine.Deps{Store: ms, Actions: registry, Plans: repo, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	s := NewOrchestratorServer(OrchestratorServerDeps{Engine: orch, Approvals: orch.Approvals(), Logger: logger})
	return &testEnv{server: s, store: ms, plans: repo}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func echoPlan() map[string]any {
	return map[string]any{
		"id": "greet",
		"steps": []any{
			map[string]any{"id": "hello", "kind": "action", "plugin": "core", "action": "echo", "params": map[string]any{"msg": "hi {{input.name}}"}},
		},
		"output": map[string]any{"greeting": "{{hello.data.msg}}"},
	}
}

func approvalPlan() map[string]any {
	return map[string]any{
		"id": "ship",
		"steps": []any{
			map[string]any{"id": "gate", "kind": "approval", "approvers": []any{"alice"}, "title": "Ship?"},
			map[string]any{"id": "done", "kind": "action", "plugin": "core", "action": "echo", "dependencies": []any{"gate"}, "params": map[string]any{"ok": true}},
		},
	}
}

// --- Tests ---

func TestRunTool_InlinePlan(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleRun(context.Background(), buildRequest("orchestrator.run", map[string]any{
		"user_id": "u1",
		"plan":    echoPlan(),
		"inputs":  map[string]any{"name": "ada"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var res engine.RunResult
	unmarshalResult(t, result, &res)
	assert.True(t, res.Success)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"greeting": "hi ada"}, res.Output)

	rec, err := env.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
}

func TestRunTool_StoredPlan(t *testing.T) {
	env := newTestEnv(t)
	plan, err := plans.Decode(mustJSON(t, echoPlan()), plans.FormatJSON, nil)
	require.NoError(t, err)
	_, err = env.plans.Save(context.Background(), "greet", "Greeter", plan)
	require.NoError(t, err)

	result, err := env.server.handleRun(context.Background(), buildRequest("orchestrator.run", map[string]any{
		"user_id": "u1",
		"plan_id": "greet",
		"inputs":  map[string]any{"name": "bob"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), "hi bob")
}

func TestRunTool_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		args    map[string]any
		contain string
	}{
		{"missing user", map[string]any{"plan": echoPlan()}, "user_id is required"},
		{"missing plan", map[string]any{"user_id": "u1"}, "plan or plan_id is required"},
		{"unknown stored plan", map[string]any{"user_id": "u1", "plan_id": "nope"}, "NOT_FOUND"},
		{"cycle", map[string]any{"user_id": "u1", "plan": map[string]any{"steps": []any{
			map[string]any{"id": "a", "kind": "action", "plugin": "core", "action": "echo", "dependencies": []any{"b"}},
			map[string]any{"id": "b", "kind": "action", "plugin": "core", "action": "echo", "dependencies": []any{"a"}},
		}}}, "CYCLE"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := env.server.handleRun(context.Background(), buildRequest("orchestrator.run", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.contain)
		})
	}
}

func TestApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.server.handleRun(ctx, buildRequest("orchestrator.run", map[string]any{
		"user_id": "u1",
		"plan":    approvalPlan(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var res engine.RunResult
	unmarshalResult(t, result, &res)
	require.Equal(t, schema.RunStatusPaused, res.Status)

	// The pending request is visible through query.
	result, err = env.server.handleQuery(ctx, buildRequest("orchestrator.query", map[string]any{
		"resource": "approvals",
		"filter":   map[string]any{"run_id": res.RunID, "status": "pending"},
	}))
	require.NoError(t, err)
	var pending struct {
		Approvals []store.ApprovalRequest `json:"approvals"`
	}
	unmarshalResult(t, result, &pending)
	require.Len(t, pending.Approvals, 1)
	assert.Equal(t, res.PausedOn, pending.Approvals[0].ID)

	// Unlisted approver.
	result, err = env.server.handleRespond(ctx, buildRequest("orchestrator.respond", map[string]any{
		"request_id": res.PausedOn, "approver": "mallory", "decision": "approve",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "UNAUTHORIZED")

	result, err = env.server.handleRespond(ctx, buildRequest("orchestrator.respond", map[string]any{
		"request_id": res.PausedOn, "approver": "alice", "decision": "maybe",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handleRespond(ctx, buildRequest("orchestrator.respond", map[string]any{
		"request_id": res.PausedOn, "approver": "alice", "decision": "approve", "comment": "lgtm",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	result, err = env.server.handleStatus(ctx, buildRequest("orchestrator.status", map[string]any{"run_id": res.RunID}))
	require.NoError(t, err)
	var rec store.RunRecord
	unmarshalResult(t, result, &rec)
	assert.Equal(t, schema.RunStatusCompleted, rec.Status)

	// A finished run cannot be resumed.
	result, err = env.server.handleResume(ctx, buildRequest("orchestrator.resume", map[string]any{"run_id": res.RunID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "INVALID_TRANSITION")
}

func TestPauseTool_NotActive(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handlePause(context.Background(), buildRequest("orchestrator.pause", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handlePause(context.Background(), buildRequest("orchestrator.pause", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool_Runs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u1", "u2"} {
		result, err := env.server.handleRun(ctx, buildRequest("orchestrator.run", map[string]any{"user_id": user, "plan": echoPlan()}))
		require.NoError(t, err)
		require.False(t, result.IsError)
	}

	result, err := env.server.handleQuery(ctx, buildRequest("orchestrator.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"user_id": "u1", "status": "completed"},
	}))
	require.NoError(t, err)
	var out struct {
		Runs []store.RunRecord `json:"runs"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Runs, 2)

	result, err = env.server.handleQuery(ctx, buildRequest("orchestrator.query", map[string]any{"resource": "events"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 50, extractInt(nil, "limit", 50))
	assert.Equal(t, 5, extractInt(map[string]any{"limit": float64(5)}, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{"limit": float64(-1)}, "limit", 50))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": json.Number("7")}, "limit", 50))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
