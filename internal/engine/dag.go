package engine

import (
	"fmt"
	"strings"

	"github.com/agentspilot/orchestrator/internal/conditions"
	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/internal/transform"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// ExecutionPlan is the validated, levelled form of a step list. It is
// immutable once built and safe to share between goroutines.
type ExecutionPlan struct {
	Steps      map[string]*schema.StepDefinition // step ID → definition
	Order      []string                          // original list order
	Edges      map[string][]string               // step ID → dependencies
	Dependents map[string][]string               // step ID → steps that depend on it
	Levels     [][]string                        // parallel execution levels
	GroupOf    map[string]string                 // step ID → "level-N" when the level has more than one step
	LevelOf    map[string]int

	// Nested holds the parsed bodies of loop, parallel group and inline
	// sub-workflow steps, keyed by the wrapper's ID.
	Nested map[string]*ExecutionPlan
	// Fallbacks holds the parsed fallback chain of each step that declares one.
	Fallbacks map[string]*ExecutionPlan
}

// Parser turns step lists into execution plans. Conditions and transform
// expressions are compiled while parsing so malformed plans fail before any
// step runs.
type Parser struct {
	conds      *conditions.Evaluator
	transforms *transform.Transformer
}

// NewParser creates a Parser. Nil collaborators get defaults.
func NewParser(conds *conditions.Evaluator, transforms *transform.Transformer) *Parser {
	if conds == nil {
		conds = conditions.NewEvaluator(nil)
	}
	if transforms == nil {
		transforms = transform.New(conds)
	}
	return &Parser{conds: conds, transforms: transforms}
}

// ParsePlan validates steps and computes their execution levels.
// A step's level is one more than the deepest of its dependencies; steps
// keep their list order within a level.
func (p *Parser) ParsePlan(steps []schema.StepDefinition) (*ExecutionPlan, error) {
	return p.parse(steps, "")
}

// parse builds a plan. scope names the enclosing wrapper for nested bodies
// and is empty at the top level.
func (p *Parser) parse(steps []schema.StepDefinition, scope string) (*ExecutionPlan, error) {
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan has no steps")
	}

	plan := &ExecutionPlan{
		Steps:      make(map[string]*schema.StepDefinition, len(steps)),
		Order:      make([]string, 0, len(steps)),
		Edges:      make(map[string][]string, len(steps)),
		Dependents: make(map[string][]string, len(steps)),
		GroupOf:    make(map[string]string),
		LevelOf:    make(map[string]int, len(steps)),
		Nested:     make(map[string]*ExecutionPlan),
		Fallbacks:  make(map[string]*ExecutionPlan),
	}

	// First pass: register steps, reject empty, reserved and duplicate IDs.
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if execution.IsReservedID(step.ID) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step ID %q is reserved", step.ID).WithStep(step.ID)
		}
		if _, exists := plan.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID).WithStep(step.ID)
		}
		plan.Steps[step.ID] = step
		plan.Order = append(plan.Order, step.ID)
	}

	// Second pass: per-step checks and nested bodies.
	for _, id := range plan.Order {
		if err := p.checkStep(plan, plan.Steps[id], scope); err != nil {
			return nil, err
		}
	}

	// Third pass: adjacency lists.
	for _, id := range plan.Order {
		step := plan.Steps[id]
		seen := make(map[string]bool, len(step.Dependencies))
		deps := make([]string, 0, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id).
					WithStep(id).WithDetails(map[string]any{"cycle": []string{id, id}})
			}
			if _, exists := plan.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidReference, "step %s depends on non-existent step: %s", id, dep).
					WithStep(id).WithDetails(map[string]any{"dependency": dep})
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep).WithStep(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			plan.Dependents[dep] = append(plan.Dependents[dep], id)
		}
		plan.Edges[id] = deps
	}

	sorted, err := topoSort(plan)
	if err != nil {
		return nil, err
	}
	plan.Levels = computeLevels(plan, sorted)
	for n, level := range plan.Levels {
		for _, id := range level {
			plan.LevelOf[id] = n
			if len(level) > 1 {
				plan.GroupOf[id] = fmt.Sprintf("level-%d", n)
			}
		}
	}
	return plan, nil
}

// checkStep validates one step: envelope and body, compiled conditions and
// transforms, and recursively its nested body and fallback chain.
func (p *Parser) checkStep(plan *ExecutionPlan, step *schema.StepDefinition, scope string) error {
	if err := step.Validate(); err != nil {
		return err
	}
	if step.ExecuteIf != nil {
		if err := p.conds.Validate(step.ExecuteIf); err != nil {
			return stepScoped(err, step.ID)
		}
	}

	switch b := step.Body.(type) {
	case *schema.ApprovalStep:
		if scope != "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"approval step %s cannot run inside %s", step.ID, scope).WithStep(step.ID)
		}
	case *schema.ConditionalStep:
		if err := p.conds.Validate(b.Condition); err != nil {
			return stepScoped(err, step.ID)
		}
	case *schema.TransformStep:
		if err := execution.ValidateReference(b.Input); err != nil {
			return stepScoped(err, step.ID)
		}
		if err := p.transforms.Check(b); err != nil {
			return stepScoped(err, step.ID)
		}
	case *schema.LoopStep:
		if err := execution.ValidateReference(b.Over); err != nil {
			return stepScoped(err, step.ID)
		}
	}

	if children := step.NestedSteps(); len(children) > 0 {
		nested, err := p.parse(children, fmt.Sprintf("%s step %s", step.Kind, step.ID))
		if err != nil {
			return err
		}
		plan.Nested[step.ID] = nested
	}
	if len(step.FallbackSteps) > 0 {
		chain, err := p.parse(step.FallbackSteps, fmt.Sprintf("fallbacks of %s", step.ID))
		if err != nil {
			return err
		}
		plan.Fallbacks[step.ID] = chain
	}
	return nil
}

const (
	white = iota // unvisited
	grey         // on the current DFS path
	black        // finished
)

// topoSort orders steps so every step follows its dependencies, detecting
// cycles by DFS colouring. Traversal follows list order, so the result is
// deterministic.
func topoSort(plan *ExecutionPlan) ([]string, error) {
	color := make(map[string]int, len(plan.Steps))
	sorted := make([]string, 0, len(plan.Steps))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		path = append(path, id)
		for _, dep := range plan.Edges[id] {
			switch color[dep] {
			case grey:
				return cycleError(path, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		sorted = append(sorted, id)
		return nil
	}

	for _, id := range plan.Order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return sorted, nil
}

func cycleError(path []string, back string) error {
	start := 0
	for i, id := range path {
		if id == back {
			start = i
			break
		}
	}
	cycle := append(append([]string(nil), path[start:]...), back)
	return schema.NewErrorf(schema.ErrCodeCycleDetected, "dependency cycle: %s", strings.Join(cycle, " -> ")).
		WithStep(back).
		WithDetails(map[string]any{"cycle": cycle})
}

// computeLevels groups steps into parallel execution levels. Steps at the
// same level have all dependencies satisfied by earlier levels.
func computeLevels(plan *ExecutionPlan, sorted []string) [][]string {
	depth := make(map[string]int, len(plan.Steps))
	maxLevel := 0
	for _, id := range sorted {
		d := 0
		for _, dep := range plan.Edges[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range plan.Order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

func stepScoped(err error, id string) error {
	if oe, ok := schema.AsOrchestratorError(err); ok {
		if oe.StepID == "" {
			oe.StepID = id
		}
		return oe
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "%s", err.Error()).WithStep(id).WithCause(err)
}
