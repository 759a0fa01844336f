package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("alice", "session-abc")
	sid, ok := r.SessionFor("alice")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Reconnect(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("alice", "session-old")
	r.Register("alice", "session-new")

	sid, ok := r.SessionFor("alice")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("alice", "session-abc")
	r.Register("bob", "session-abc")
	r.Register("carol", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("alice")
	assert.False(t, ok, "alice should be removed")
	_, ok = r.SessionFor("bob")
	assert.False(t, ok, "bob should be removed")

	sid, ok := r.SessionFor("carol")
	assert.True(t, ok, "carol should still exist")
	assert.Equal(t, "session-xyz", sid)
}

func TestMCPNotifier_SkipsUnknownAndStaleSessions(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("alice", "gone")
	n := NewMCPNotifier(server.NewMCPServer("test", "1.0.0"), sessions, nil)

	err := n.Notify(context.Background(), []string{"alice", "bob"}, "Approval needed", "Ship?", map[string]any{"requestId": "r1"})
	require.NoError(t, err)

	_, ok := sessions.SessionFor("alice")
	assert.False(t, ok, "stale session should be dropped")
}
