package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentspilot/orchestrator/internal/engine"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// Engine is the slice of the orchestrator the tools drive.
type Engine interface {
	Validate(plan *schema.Plan) (*engine.ExecutionPlan, error)
	Run(ctx context.Context, plan *schema.Plan, userID string, inputs map[string]any) (*engine.RunResult, error)
	RunStored(ctx context.Context, planID, userID string, inputs map[string]any) (*engine.RunResult, error)
	Resume(ctx context.Context, runID string) (*engine.RunResult, error)
	Pause(ctx context.Context, runID string) error
	Respond(ctx context.Context, requestID, approver string, decision schema.Decision, comment string) (*store.ApprovalRequest, error)
	Status(ctx context.Context, runID string) (*store.RunRecord, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error)
}

// ApprovalLister lists approval requests.
type ApprovalLister interface {
	List(ctx context.Context, filter store.ApprovalFilter) ([]*store.ApprovalRequest, error)
}

// OrchestratorServerDeps holds the dependencies for creating an OrchestratorServer.
type OrchestratorServerDeps struct {
	Engine    Engine
	Approvals ApprovalLister
	Sessions  *SessionRegistry
	Logger    *slog.Logger
}

// OrchestratorServer wraps an MCP server with orchestrator tool handlers.
type OrchestratorServer struct {
	engine    Engine
	approvals ApprovalLister
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewOrchestratorServer creates a new OrchestratorServer with all tools registered.
func NewOrchestratorServer(deps OrchestratorServerDeps) *OrchestratorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &OrchestratorServer{
		engine:    deps.Engine,
		approvals: deps.Approvals,
		sessions:  sessions,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"orchestrator",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("The orchestrator executes multi-step plans. Use orchestrator.run to start a plan, orchestrator.status to inspect a run, orchestrator.respond to answer an approval, orchestrator.resume and orchestrator.pause to control a run, and orchestrator.query to list runs or approvals."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *OrchestratorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves the tools over the streamable HTTP transport.
func (s *OrchestratorServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *OrchestratorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns a notifier that pushes to the sessions this server has seen.
func (s *OrchestratorServer) Notifier() *MCPNotifier {
	return NewMCPNotifier(s.mcpServer, s.sessions, s.logger)
}

func (s *OrchestratorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("orchestrator.run",
		mcp.WithDescription("Execute a plan inline or by stored plan ID"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user who owns the run")),
		mcp.WithObject("plan", mcp.Description("Inline plan definition")),
		mcp.WithString("plan_id", mcp.Description("ID of a stored plan, used when plan is absent")),
		mcp.WithObject("inputs", mcp.Description("Input values for the run")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("orchestrator.status",
		mcp.WithDescription("Get the persisted state of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("orchestrator.resume",
		mcp.WithDescription("Resume a paused or interrupted run from its checkpoint"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the paused or interrupted run")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("orchestrator.pause",
		mcp.WithDescription("Request that an active run pause"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the active run")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("orchestrator.respond",
		mcp.WithDescription("Answer a pending approval request"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("approver", mcp.Required(), mcp.Description("ID of the responding approver")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum(string(schema.DecisionApprove), string(schema.DecisionReject)),
			mcp.Description("Approver decision"),
		),
		mcp.WithString("comment", mcp.Description("Optional comment recorded with the decision")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("orchestrator.query",
		mcp.WithDescription("List runs or approval requests"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "approvals"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, user_id, plan_id, run_id, step_id, limit)")),
	)
}
