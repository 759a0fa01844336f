package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentspilot/orchestrator/internal/providers"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// MCPConfig describes an MCP server launched as a subprocess over stdio.
type MCPConfig struct {
	Name    string   `mapstructure:"name" json:"name"`
	Command string   `mapstructure:"command" json:"command"`
	Args    []string `mapstructure:"args" json:"args,omitempty"`
	Env     []string `mapstructure:"env" json:"env,omitempty"`
}

// MCPPlugin exposes the tools of an MCP server as actions. Each tool becomes
// an action with the tool's name.
type MCPPlugin struct {
	name   string
	client *client.Client
	logger *slog.Logger

	mu    sync.RWMutex
	tools []mcp.Tool
}

// DialStdio launches the configured MCP server and connects to it.
func DialStdio(ctx context.Context, cfg MCPConfig, logger *slog.Logger) (*MCPPlugin, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "start mcp plugin %s: %s", cfg.Name, err.Error()).
			WithClass(schema.ClassUnavailable).WithCause(err)
	}
	p := NewMCPPlugin(cfg.Name, c, logger)
	if err := p.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return p, nil
}

// NewMCPPlugin wraps a started MCP client. Call Connect before use.
func NewMCPPlugin(name string, c *client.Client, logger *slog.Logger) *MCPPlugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPPlugin{name: name, client: c, logger: logger}
}

// Connect performs the MCP handshake and discovers the server's tools.
func (p *MCPPlugin) Connect(ctx context.Context) error {
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "orchestrator", Version: "1.0.0"}
	if _, err := p.client.Initialize(ctx, init); err != nil {
		return unavailable(p.name, "initialize", err)
	}
	return p.Refresh(ctx)
}

// Refresh re-reads the server's tool list.
func (p *MCPPlugin) Refresh(ctx context.Context) error {
	res, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return unavailable(p.name, "list tools", err)
	}
	p.mu.Lock()
	p.tools = res.Tools
	p.mu.Unlock()
	p.logger.Info("mcp plugin connected", slog.String("plugin", p.name), slog.Int("tools", len(res.Tools)))
	return nil
}

func (p *MCPPlugin) Name() string { return p.name }

func (p *MCPPlugin) Actions() []Action {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Action, 0, len(p.tools))
	for _, t := range p.tools {
		tool := t
		out = append(out, NewAction(tool.Name, tool.Description, func(ctx context.Context, uc providers.UserContext, params map[string]any) (any, error) {
			return p.Call(ctx, uc, tool.Name, params)
		}))
	}
	return out
}

// Call invokes a tool. The idempotency key travels in the request metadata.
func (p *MCPPlugin) Call(ctx context.Context, uc providers.UserContext, tool string, params map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = params
	req.Params.Meta = mcp.NewMetaFromMap(map[string]any{
		"idempotencyKey": uc.IdempotencyKey,
		"userId":         uc.UserID,
		"runId":          uc.RunID,
	})

	res, err := p.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewStepError(schema.ClassTimeout, "mcp %s.%s: %s", p.name, tool, ctx.Err().Error()).WithCause(err)
		}
		return nil, schema.NewStepError(schema.ClassNetwork, "mcp %s.%s: %s", p.name, tool, err.Error()).WithCause(err)
	}
	text := resultText(res)
	if res.IsError {
		return nil, schema.NewStepError(classifyToolError(text), "mcp %s.%s failed: %s", p.name, tool, text)
	}
	return decodeToolText(text), nil
}

// Close shuts the MCP client down.
func (p *MCPPlugin) Close() error { return p.client.Close() }

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeToolText returns JSON tool output as data and anything else as text.
func decodeToolText(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return text
}

func classifyToolError(text string) schema.ErrorClass {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return schema.ClassRateLimit
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return schema.ClassTimeout
	case strings.Contains(lower, "unavailable"):
		return schema.ClassUnavailable
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden"):
		return schema.ClassAuth
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "required"):
		return schema.ClassValidation
	}
	return schema.ClassInternal
}

func unavailable(plugin, op string, err error) error {
	return schema.NewStepError(schema.ClassUnavailable, "mcp plugin %s: %s: %s", plugin, op, err.Error()).WithCause(err)
}

// MCPIntelligence is an IntelligenceProvider backed by an MCP tool. The tool
// receives {prompt, hint, userId} and answers with text, or with JSON
// {response, tokensUsed}.
type MCPIntelligence struct {
	Plugin *MCPPlugin
	Tool   string
}

func (m *MCPIntelligence) Decide(ctx context.Context, uc providers.UserContext, prompt string, hint *schema.ModelHint) (string, int, error) {
	args := map[string]any{"prompt": prompt, "userId": uc.UserID}
	if hint != nil {
		args["hint"] = map[string]any{"complexity": hint.Complexity, "quality": hint.Quality, "model": hint.Model}
	}
	out, err := m.Plugin.Call(ctx, uc, m.Tool, args)
	if err != nil {
		return "", 0, err
	}
	switch v := out.(type) {
	case string:
		return v, 0, nil
	case map[string]any:
		if resp, ok := v["response"].(string); ok {
			tokens, _ := v["tokensUsed"].(float64)
			return resp, int(tokens), nil
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", 0, schema.NewStepError(schema.ClassInternal, "encode decision response: %s", err.Error())
	}
	return string(raw), 0, nil
}

var _ providers.IntelligenceProvider = (*MCPIntelligence)(nil)
