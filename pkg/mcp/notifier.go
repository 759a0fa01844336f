package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

// notificationMethod is the MCP method used for pushed messages.
const notificationMethod = "notifications/message"

// MCPNotifier delivers orchestrator notifications to connected MCP sessions.
// Recipients without a live session are skipped.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes over the sessions in the registry.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends the message to every recipient that has a session. The first
// delivery error is returned after all recipients were attempted.
func (n *MCPNotifier) Notify(_ context.Context, recipients []string, subject, body string, data map[string]any) error {
	payload := map[string]any{
		"level": "info",
		"data": map[string]any{
			"subject": subject,
			"body":    body,
			"data":    data,
		},
	}
	var firstErr error
	for _, recipient := range recipients {
		sessionID, ok := n.sessions.SessionFor(recipient)
		if !ok {
			n.logger.Debug("notification recipient not connected", slog.String("recipient", recipient))
			continue
		}
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sessionID)
			continue
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
