package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrchestratorServer(t *testing.T) {
	s := NewOrchestratorServer(OrchestratorServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
	assert.NotNil(t, s.HTTPHandler())
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"orchestrator.run", "Execute a plan inline or by stored plan ID"},
		{"orchestrator.status", "Get the persisted state of a run"},
		{"orchestrator.resume", "Resume a paused or interrupted run from its checkpoint"},
		{"orchestrator.pause", "Request that an active run pause"},
		{"orchestrator.respond", "Answer a pending approval request"},
		{"orchestrator.query", "List runs or approval requests"},
	}

	s := NewOrchestratorServer(OrchestratorServerDeps{})
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
