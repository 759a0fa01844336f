package actions

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/agentspilot/orchestrator/internal/providers"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// Registry is the thread-safe plugin registry. It implements
// providers.ActionProvider and validation.ActionLookup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]Action
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		plugins: make(map[string]map[string]Action),
		logger:  logger,
	}
}

// Register adds one action under plugin. Duplicates are a Conflict.
func (r *Registry) Register(plugin string, action Action) error {
	if plugin == "" {
		return schema.NewError(schema.ErrCodeValidation, "plugin name is empty")
	}
	if action == nil || action.Name() == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "plugin %q: action name is empty", plugin)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	acts, ok := r.plugins[plugin]
	if !ok {
		acts = make(map[string]Action)
		r.plugins[plugin] = acts
	}
	if _, exists := acts[action.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %s.%s already registered", plugin, action.Name())
	}
	acts[action.Name()] = action
	return nil
}

// RegisterPlugin bulk-registers every action of p and returns how many were
// added before the first error.
func (r *Registry) RegisterPlugin(p Plugin) (int, error) {
	n := 0
	for _, a := range p.Actions() {
		if err := r.Register(p.Name(), a); err != nil {
			return n, err
		}
		n++
	}
	r.logger.Info("plugin registered", slog.String("plugin", p.Name()), slog.Int("actions", n))
	return n, nil
}

// Unregister removes a whole plugin.
func (r *Registry) Unregister(plugin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plugins, plugin)
}

// Get retrieves an action.
func (r *Registry) Get(plugin, action string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.plugins[plugin][action]; ok {
		return a, nil
	}
	if _, ok := r.plugins[plugin]; !ok {
		return nil, schema.NewStepError(schema.ClassValidation, "plugin %q not registered", plugin)
	}
	return nil, schema.NewStepError(schema.ClassValidation, "action %s.%s not registered", plugin, action)
}

// HasAction reports whether plugin exposes action.
func (r *Registry) HasAction(plugin, action string) bool {
	_, err := r.Get(plugin, action)
	return err == nil
}

// Invoke runs an action. Unknown actions fail with a non-retryable
// validation error.
func (r *Registry) Invoke(ctx context.Context, uc providers.UserContext, plugin, action string, params map[string]any) (any, error) {
	a, err := r.Get(plugin, action)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return a.Execute(ctx, uc, params)
}

// List returns every registered action, sorted by plugin then action.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var infos []ActionInfo
	for plugin, acts := range r.plugins {
		for name, a := range acts {
			infos = append(infos, ActionInfo{Plugin: plugin, Action: name, Description: a.Description()})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Plugin != infos[j].Plugin {
			return infos[i].Plugin < infos[j].Plugin
		}
		return infos[i].Action < infos[j].Action
	})
	return infos
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, acts := range r.plugins {
		n += len(acts)
	}
	return n
}

var _ providers.ActionProvider = (*Registry)(nil)
