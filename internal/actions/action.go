// Package actions provides the plugin registry the engine invokes action steps
// through, the builtin core plugin and MCP-backed plugins.
package actions

import (
	"context"

	"github.com/agentspilot/orchestrator/internal/providers"
)

// Action is one operation exposed by a plugin.
type Action interface {
	Name() string
	Description() string
	Execute(ctx context.Context, uc providers.UserContext, params map[string]any) (any, error)
}

// Plugin is a named set of actions. Steps address an action as plugin + action.
type Plugin interface {
	Name() string
	Actions() []Action
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Plugin      string `json:"plugin"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// actionFunc adapts a function to Action.
type actionFunc struct {
	name string
	desc string
	fn   func(ctx context.Context, uc providers.UserContext, params map[string]any) (any, error)
}

func (a *actionFunc) Name() string        { return a.name }
func (a *actionFunc) Description() string { return a.desc }

func (a *actionFunc) Execute(ctx context.Context, uc providers.UserContext, params map[string]any) (any, error) {
	return a.fn(ctx, uc, params)
}

// NewAction builds an Action from a function.
func NewAction(name, description string, fn func(ctx context.Context, uc providers.UserContext, params map[string]any) (any, error)) Action {
	return &actionFunc{name: name, desc: description, fn: fn}
}

// StaticPlugin is a Plugin over a fixed action list.
type StaticPlugin struct {
	PluginName string
	Acts       []Action
}

func (p *StaticPlugin) Name() string      { return p.PluginName }
func (p *StaticPlugin) Actions() []Action { return p.Acts }
