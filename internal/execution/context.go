// Package execution holds the per-run state of a plan execution and resolves
// {{...}} references against it.
package execution

import (
	"time"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// Reserved namespaces. Step IDs may not use these names.
const (
	NamespaceInput   = "input"
	NamespaceVar     = "var"
	NamespaceCurrent = "current"
)

// IsReservedID reports whether id collides with a resolver namespace.
func IsReservedID(id string) bool {
	return id == NamespaceInput || id == NamespaceVar || id == NamespaceCurrent
}

// StepOutput is the result of one step. Data lives in memory only; Metadata is
// the part that gets checkpointed. Variables are written to the context when
// the output is recorded.
type StepOutput struct {
	StepID    string
	Data      any
	Metadata  schema.StepMetadata
	Variables map[string]any
}

// StepState is where a step stands in the current context.
type StepState int

const (
	StateNone StepState = iota
	StateCompleted
	StateFailed
	StateSkipped
)

// Context is the mutable state of one in-flight run. It is owned by the run's
// execution loop: step goroutines only read it, and outputs are recorded by
// the loop once a chunk has finished.
type Context struct {
	RunID           string
	UserID          string
	PlanID          string
	StartedAt       time.Time
	CurrentLevel    int
	CurrentStepID   string
	TotalTokensUsed int

	inputs      map[string]any
	variables   map[string]any
	outputs     map[string]*StepOutput
	states      map[string]StepState
	completed   []string
	failed      []string
	skipped     []string
	trace       []schema.StepMetadata
	unavailable map[string]bool

	current    any
	hasCurrent bool
	parent     *Context
}

// New creates the context for a fresh run.
func New(runID, userID string, inputs map[string]any) *Context {
	return &Context{
		RunID:       runID,
		UserID:      userID,
		StartedAt:   time.Now().UTC(),
		inputs:      normalizeMap(inputs),
		variables:   make(map[string]any),
		outputs:     make(map[string]*StepOutput),
		states:      make(map[string]StepState),
		unavailable: make(map[string]bool),
	}
}

// Child returns a nested scope for loop iterations and parallel groups. Step
// outputs and variables recorded in the child stay in the child; lookups fall
// back to the parent chain.
func (c *Context) Child() *Context {
	return &Context{
		RunID:       c.RunID,
		UserID:      c.UserID,
		PlanID:      c.PlanID,
		StartedAt:   c.StartedAt,
		inputs:      c.inputs,
		variables:   make(map[string]any),
		outputs:     make(map[string]*StepOutput),
		states:      make(map[string]StepState),
		unavailable: make(map[string]bool),
		parent:      c,
	}
}

// WithCurrent returns a read-only view of c where the "current" namespace is
// bound to v. The view shares all state with c and must not record outputs.
func (c *Context) WithCurrent(v any) *Context {
	view := *c
	view.current = Normalize(v)
	view.hasCurrent = true
	return &view
}

// Inputs returns a deep copy of the run's input values.
func (c *Context) Inputs() map[string]any { return deepCopyMap(c.inputs) }

// Variables returns a deep copy of the variables visible from this scope, with
// nearer scopes shadowing outer ones.
func (c *Context) Variables() map[string]any {
	out := make(map[string]any)
	var chain []*Context
	for s := c; s != nil; s = s.parent {
		chain = append(chain, s)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].variables {
			out[k] = deepCopyAny(v)
		}
	}
	return out
}

// SetVariable writes a variable in this scope.
func (c *Context) SetVariable(name string, v any) {
	c.variables[name] = Normalize(v)
}

// Record stores a step output and moves the step to completed or failed. It is
// idempotent per step ID: recording again replaces the earlier entry.
func (c *Context) Record(out *StepOutput) {
	out.Data = Normalize(out.Data)
	out.Metadata.StepID = out.StepID
	c.removeFromLists(out.StepID)

	c.outputs[out.StepID] = out
	delete(c.unavailable, out.StepID)
	if out.Metadata.Success {
		c.states[out.StepID] = StateCompleted
		c.completed = append(c.completed, out.StepID)
	} else {
		c.states[out.StepID] = StateFailed
		c.failed = append(c.failed, out.StepID)
	}
	for k, v := range out.Variables {
		c.SetVariable(k, v)
	}
	c.TotalTokensUsed += out.Metadata.TokensUsed
	c.putTrace(out.Metadata)
}

// MarkSkipped records that a step was not executed.
func (c *Context) MarkSkipped(stepID string) {
	c.removeFromLists(stepID)
	c.states[stepID] = StateSkipped
	c.skipped = append(c.skipped, stepID)
	c.putTrace(schema.StepMetadata{StepID: stepID, Skipped: true, StartedAt: time.Now().UTC()})
}

// State returns the state of a step in this scope or any parent scope.
func (c *Context) State(stepID string) StepState {
	for s := c; s != nil; s = s.parent {
		if st, ok := s.states[stepID]; ok {
			return st
		}
	}
	return StateNone
}

// Output returns the recorded output for a step in this scope or a parent.
func (c *Context) Output(stepID string) (*StepOutput, bool) {
	for s := c; s != nil; s = s.parent {
		if out, ok := s.outputs[stepID]; ok {
			return out, true
		}
	}
	return nil, false
}

// LocalOutputs returns the data recorded in this scope only, keyed by step ID.
func (c *Context) LocalOutputs() map[string]any {
	out := make(map[string]any, len(c.outputs))
	for id, o := range c.outputs {
		out[id] = deepCopyAny(o.Data)
	}
	return out
}

// Completed returns a copy of the completed step IDs, in completion order.
func (c *Context) Completed() []string { return append([]string(nil), c.completed...) }

// Failed returns a copy of the failed step IDs.
func (c *Context) Failed() []string { return append([]string(nil), c.failed...) }

// Skipped returns a copy of the skipped step IDs.
func (c *Context) Skipped() []string { return append([]string(nil), c.skipped...) }

// Trace returns the sanitized metadata of every recorded or skipped step.
func (c *Context) Trace() []schema.StepMetadata {
	return append([]schema.StepMetadata(nil), c.trace...)
}

func (c *Context) putTrace(m schema.StepMetadata) {
	for i := range c.trace {
		if c.trace[i].StepID == m.StepID {
			c.trace[i] = m
			return
		}
	}
	c.trace = append(c.trace, m)
}

func (c *Context) removeFromLists(id string) {
	switch c.states[id] {
	case StateCompleted:
		c.completed = removeID(c.completed, id)
	case StateFailed:
		c.failed = removeID(c.failed, id)
	case StateSkipped:
		c.skipped = removeID(c.skipped, id)
	}
}

func removeID(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// Snapshot is the persistable state of a context. It carries no step data.
type Snapshot struct {
	Completed     []string              `json:"completed"`
	Failed        []string              `json:"failed"`
	Skipped       []string              `json:"skipped"`
	Variables     map[string]any        `json:"variables,omitempty"`
	Trace         []schema.StepMetadata `json:"executionTrace"`
	TotalTokens   int                   `json:"totalTokens"`
	CurrentLevel  int                   `json:"currentLevel"`
	CurrentStepID string                `json:"currentStepId,omitempty"`
}

// Snapshot captures the persistable state of a top-level context.
func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		Completed:     c.Completed(),
		Failed:        c.Failed(),
		Skipped:       c.Skipped(),
		Variables:     deepCopyMap(c.variables),
		Trace:         c.Trace(),
		TotalTokens:   c.TotalTokensUsed,
		CurrentLevel:  c.CurrentLevel,
		CurrentStepID: c.CurrentStepID,
	}
}

// Restore rebuilds a context from a snapshot. Steps that completed or failed
// before the snapshot have no data; referencing them yields ErrDataUnavailable.
func Restore(runID, userID string, inputs map[string]any, startedAt time.Time, snap Snapshot) *Context {
	c := New(runID, userID, inputs)
	c.StartedAt = startedAt
	c.CurrentLevel = snap.CurrentLevel
	c.CurrentStepID = snap.CurrentStepID
	c.TotalTokensUsed = snap.TotalTokens
	c.completed = append([]string(nil), snap.Completed...)
	c.failed = append([]string(nil), snap.Failed...)
	c.skipped = append([]string(nil), snap.Skipped...)
	c.trace = append([]schema.StepMetadata(nil), snap.Trace...)
	for _, id := range c.completed {
		c.states[id] = StateCompleted
		c.unavailable[id] = true
	}
	for _, id := range c.failed {
		c.states[id] = StateFailed
		c.unavailable[id] = true
	}
	for _, id := range c.skipped {
		c.states[id] = StateSkipped
	}
	for k, v := range snap.Variables {
		c.variables[k] = Normalize(v)
	}
	return c
}
