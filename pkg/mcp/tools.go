package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentspilot/orchestrator/internal/plans"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// handleRun starts a run from an inline plan or a stored one.
func (s *OrchestratorServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	planID := req.GetString("plan_id", "")
	planRaw := mcp.ParseStringMap(req, "plan", nil)
	if planRaw == nil && planID == "" {
		return mcp.NewToolResultError("plan or plan_id is required"), nil
	}

	s.captureSession(ctx, userID)

	// Runs outlive the tool call that started them.
	runCtx := context.WithoutCancel(ctx)
	if planRaw == nil {
		res, runErr := s.engine.RunStored(runCtx, planID, userID, inputs)
		if runErr != nil {
			return toolError("run failed", runErr), nil
		}
		return marshalResult(res)
	}

	data, marshalErr := json.Marshal(planRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", marshalErr)), nil
	}
	plan, decodeErr := plans.Decode(data, plans.FormatJSON, nil)
	if decodeErr != nil {
		return toolError("invalid plan", decodeErr), nil
	}
	res, runErr := s.engine.Run(runCtx, plan, userID, inputs)
	if runErr != nil {
		return toolError("run failed", runErr), nil
	}
	return marshalResult(res)
}

// handleStatus returns the persisted record of a run.
func (s *OrchestratorServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	rec, statusErr := s.engine.Status(ctx, runID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	return marshalResult(rec)
}

func (s *OrchestratorServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	res, resumeErr := s.engine.Resume(context.WithoutCancel(ctx), runID)
	if resumeErr != nil {
		return toolError("resume failed", resumeErr), nil
	}
	return marshalResult(res)
}

func (s *OrchestratorServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if pauseErr := s.engine.Pause(ctx, runID); pauseErr != nil {
		return toolError("pause failed", pauseErr), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleRespond records an approval decision. When the decision resolves the
// request, the engine resumes the run before this returns.
func (s *OrchestratorServer) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	approver, err := req.RequireString("approver")
	if err != nil {
		return mcp.NewToolResultError("approver is required"), nil
	}
	decision := schema.Decision(req.GetString("decision", ""))
	if decision != schema.DecisionApprove && decision != schema.DecisionReject {
		return mcp.NewToolResultError(fmt.Sprintf("decision must be %q or %q", schema.DecisionApprove, schema.DecisionReject)), nil
	}

	s.captureSession(ctx, approver)

	ar, respondErr := s.engine.Respond(context.WithoutCancel(ctx), requestID, approver, decision, req.GetString("comment", ""))
	if respondErr != nil {
		return toolError("respond failed", respondErr), nil
	}
	return marshalResult(ar)
}

// handleQuery lists runs or approval requests.
func (s *OrchestratorServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *OrchestratorServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		UserID: extractString(filter, "user_id"),
		PlanID: extractString(filter, "plan_id"),
		Limit:  extractInt(filter, "limit", 50),
	}
	if status := extractString(filter, "status"); status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	runs, err := s.engine.ListRuns(ctx, rf)
	if err != nil {
		return toolError("query runs failed", err), nil
	}
	if runs == nil {
		runs = []*store.RunRecord{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *OrchestratorServer) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.approvals == nil {
		return mcp.NewToolResultError("approvals are not available"), nil
	}
	af := store.ApprovalFilter{
		RunID:  extractString(filter, "run_id"),
		StepID: extractString(filter, "step_id"),
		Limit:  extractInt(filter, "limit", 50),
	}
	if status := extractString(filter, "status"); status != "" {
		as := schema.ApprovalStatus(status)
		af.Status = &as
	}
	reqs, err := s.approvals.List(ctx, af)
	if err != nil {
		return toolError("query approvals failed", err), nil
	}
	if reqs == nil {
		reqs = []*store.ApprovalRequest{}
	}
	return marshalResult(map[string]any{"approvals": reqs})
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	switch v := filter[key].(type) {
	case float64:
		if v > 0 && v <= math.MaxInt32 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return int(n)
		}
	}
	return defaultVal
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *OrchestratorServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// toolError renders an engine error, keeping the structured code visible to
// the calling agent.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if oe, ok := schema.AsOrchestratorError(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s: %s", prefix, oe.Code, oe.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
