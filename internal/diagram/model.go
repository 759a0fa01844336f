package diagram

import "github.com/agentspilot/orchestrator/pkg/schema"

// DiagramModel is the intermediate representation rendered by RenderMermaid.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     schema.StepKind
	Virtual  bool // start and end markers
	Status   *StatusOverlay
	Children []*SubGraph // loop, parallel group, sub-workflow and fallback bodies
}

// SubGraph holds the nested steps of a wrapper step.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the recorded outcome of a step.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

const (
	startID = "__start__"
	endID   = "__end__"
)
