package diagram

import (
	"fmt"
	"slices"

	"github.com/agentspilot/orchestrator/internal/engine"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// Build constructs a DiagramModel from a parsed plan. When rec is non-nil its
// completed, failed and skipped sets and execution trace are overlaid on the
// top-level nodes. Wrapper steps get one SubGraph per nested body.
func Build(plan *schema.Plan, exec *engine.ExecutionPlan, rec *store.RunRecord) (*DiagramModel, error) {
	if exec == nil {
		return nil, fmt.Errorf("diagram: execution plan is required")
	}

	states := overlayIndex(rec)
	nodes := make([]*Node, 0, len(exec.Order)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Virtual: true})

	for _, level := range exec.Levels {
		for _, id := range level {
			step := exec.Steps[id]
			node := stepToNode(id, step)
			node.Status = states[id]
			node.Children = buildChildren(id, exec)
			nodes = append(nodes, node)
		}
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Virtual: true})

	levels := make([][]string, 0, len(exec.Levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, exec.Levels...)
	levels = append(levels, []string{endID})

	return &DiagramModel{
		Title:  title(plan),
		Nodes:  nodes,
		Edges:  buildEdges(exec, "", true),
		Levels: levels,
	}, nil
}

func stepToNode(id string, step *schema.StepDefinition) *Node {
	return &Node{ID: id, Label: nodeLabel(step), Kind: step.Kind}
}

// nodeLabel shows the step ID and, for actions, the plugin call it makes.
func nodeLabel(step *schema.StepDefinition) string {
	if a, ok := step.Body.(*schema.ActionStep); ok {
		return fmt.Sprintf("%s (%s.%s)", step.ID, a.Plugin, a.Action)
	}
	return step.ID
}

// buildChildren renders nested bodies. Nested node IDs are qualified with the
// wrapper's ID so they stay unique across the whole diagram.
func buildChildren(parentID string, exec *engine.ExecutionPlan) []*SubGraph {
	var children []*SubGraph
	if nested, ok := exec.Nested[parentID]; ok {
		children = append(children, buildSubGraph(bodyLabel(exec.Steps[parentID]), parentID+".body", nested))
	}
	if fb, ok := exec.Fallbacks[parentID]; ok {
		children = append(children, buildSubGraph("fallback", parentID+".fallback", fb))
	}
	return children
}

func bodyLabel(step *schema.StepDefinition) string {
	switch step.Kind {
	case schema.KindLoop:
		return "loop body"
	case schema.KindParallelGroup:
		return "parallel"
	case schema.KindSubWorkflow:
		return "sub-workflow"
	}
	return "body"
}

func buildSubGraph(label, prefix string, exec *engine.ExecutionPlan) *SubGraph {
	sg := &SubGraph{Label: label}
	for _, id := range exec.Order {
		node := stepToNode(prefix+"."+id, exec.Steps[id])
		sg.Nodes = append(sg.Nodes, node)
		for _, child := range buildChildren(id, exec) {
			// Deeper bodies are flattened into this subgraph.
			for _, n := range child.Nodes {
				n.ID = prefix + "." + n.ID
			}
			for i := range child.Edges {
				child.Edges[i].From = prefix + "." + child.Edges[i].From
				child.Edges[i].To = prefix + "." + child.Edges[i].To
			}
			sg.Nodes = append(sg.Nodes, child.Nodes...)
			sg.Edges = append(sg.Edges, child.Edges...)
		}
	}
	sg.Edges = append(sg.Edges, buildEdges(exec, prefix+".", false)...)
	return sg
}

// buildEdges turns dependencies into dependency → dependent edges. Edges into
// a step gated by executeIf are labelled "if". With markers set, roots hang
// off the start node and leaves lead to the end node.
func buildEdges(exec *engine.ExecutionPlan, prefix string, markers bool) []Edge {
	var edges []Edge
	for _, id := range exec.Order {
		step := exec.Steps[id]
		label := ""
		if step.ExecuteIf != nil {
			label = "if"
		}
		deps := exec.Edges[id]
		if len(deps) == 0 && markers {
			edges = append(edges, Edge{From: startID, To: id, Label: label})
		}
		for _, dep := range deps {
			edges = append(edges, Edge{From: prefix + dep, To: prefix + id, Label: label})
		}
		if len(exec.Dependents[id]) == 0 && markers {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	return edges
}

// overlayIndex derives per-step status from a run record. The trace supplies
// timings and errors; the status sets decide the class.
func overlayIndex(rec *store.RunRecord) map[string]*StatusOverlay {
	if rec == nil {
		return nil
	}
	states := make(map[string]*StatusOverlay)
	for _, m := range rec.ExecutionTrace {
		states[m.StepID] = &StatusOverlay{DurationMs: m.DurationMs, Attempts: m.Attempts, Error: m.Error}
	}
	mark := func(ids []string, status string) {
		for _, id := range ids {
			s, ok := states[id]
			if !ok {
				s = &StatusOverlay{}
				states[id] = s
			}
			s.Status = status
		}
	}
	mark(rec.Completed, "completed")
	mark(rec.Failed, "failed")
	mark(rec.Skipped, "skipped")

	if rec.CurrentStepID != "" && !slices.Contains(rec.Completed, rec.CurrentStepID) {
		switch rec.Status {
		case schema.RunStatusPaused:
			mark([]string{rec.CurrentStepID}, "paused")
		case schema.RunStatusRunning:
			mark([]string{rec.CurrentStepID}, "running")
		}
	}
	for id, s := range states {
		if s.Status == "" {
			delete(states, id)
		}
	}
	return states
}

func title(plan *schema.Plan) string {
	switch {
	case plan == nil:
		return "Plan"
	case plan.Name != "":
		return plan.Name
	case plan.ID != "":
		return plan.ID
	}
	return "Plan"
}
