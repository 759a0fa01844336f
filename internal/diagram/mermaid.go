package diagram

import (
	"fmt"
	"strings"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// statusClasses maps overlay statuses to Mermaid class definitions, in the
// order they are emitted.
var statusClasses = []struct{ name, style string }{
	{"completed", "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{"failed", "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{"running", "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{"paused", "fill:#b7791a,stroke:#8a5c14,color:#fff"},
	{"skipped", "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
}

var safeIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

type mermaidWriter struct {
	b       strings.Builder
	classed []*Node
}

func (w *mermaidWriter) line(depth int, format string, args ...any) {
	w.b.WriteString(strings.Repeat("    ", depth))
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteByte('\n')
}

func (w *mermaidWriter) node(depth int, n *Node) {
	w.line(depth, "%s", mermaidNodeDef(n))
	if n.Status != nil && mermaidStatusClass(n.Status.Status) != "" {
		w.classed = append(w.classed, n)
	}
}

func (w *mermaidWriter) edge(depth int, e Edge) {
	arrow := "-->"
	if e.Label != "" {
		arrow += "|" + e.Label + "|"
	}
	w.line(depth, "%s %s %s", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
}

// RenderMermaid renders a DiagramModel as a top-down Mermaid flowchart.
// Nested bodies become subgraphs placed right after their wrapper step.
func RenderMermaid(model *DiagramModel) string {
	w := &mermaidWriter{}
	w.line(0, "graph TD")
	if model.Title != "" {
		w.line(1, "%%%% %s", model.Title)
	}

	for _, n := range model.Nodes {
		w.node(1, n)
		for _, sg := range n.Children {
			w.line(1, "subgraph %s[%q]", mermaidSafeID(n.ID+"_"+sg.Label), n.ID+": "+sg.Label)
			w.line(2, "direction TB")
			for _, sub := range sg.Nodes {
				w.node(2, sub)
			}
			for _, e := range sg.Edges {
				w.edge(2, e)
			}
			w.line(1, "end")
		}
	}
	for _, e := range model.Edges {
		w.edge(1, e)
	}

	w.b.WriteByte('\n')
	for _, c := range statusClasses {
		w.line(1, "classDef %s %s", c.name, c.style)
	}
	for _, n := range w.classed {
		w.line(1, "class %s %s", mermaidSafeID(n.ID), mermaidStatusClass(n.Status.Status))
	}
	return w.b.String()
}

// mermaidNodeDef returns a Mermaid node definition shaped by step kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := fmt.Sprintf("%q", mermaidEscapeLabel(node.Label))

	if node.Virtual {
		return id + "((" + label + "))"
	}
	switch node.Kind {
	case schema.KindConditional:
		return id + "{" + label + "}"
	case schema.KindDecision:
		return id + "{{" + label + "}}"
	case schema.KindDelay:
		return id + "([" + label + "])"
	case schema.KindApproval:
		return id + "[/" + label + "/]"
	case schema.KindTransform:
		return id + "[(" + label + ")]"
	case schema.KindLoop, schema.KindParallelGroup, schema.KindSubWorkflow:
		return id + "[[" + label + "]]"
	}
	return id + "[" + label + "]"
}

// mermaidSafeID maps a qualified step ID onto Mermaid's identifier charset.
func mermaidSafeID(id string) string {
	return safeIDReplacer.Replace(id)
}

// mermaidEscapeLabel swaps double quotes for single ones; Mermaid has no
// escape for them inside a quoted label.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}

func mermaidStatusClass(status string) string {
	for _, c := range statusClasses {
		if c.name == status {
			return c.name
		}
	}
	return ""
}
