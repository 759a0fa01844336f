// Package reasoning builds decision prompts and interprets model answers.
package reasoning

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agentspilot/orchestrator/internal/execution"
)

const (
	// DefaultHistory is how many prior completed steps a prompt summarizes.
	DefaultHistory = 5
	// DefaultValueLimit bounds the rendered size of each summarized value.
	DefaultValueLimit = 500
)

// PriorStep is one completed step shown to the model.
type PriorStep struct {
	StepID string
	Data   any
}

// PromptParams holds the inputs needed to build a decision prompt.
type PromptParams struct {
	Prompt     string
	Params     map[string]any
	Options    []string
	History    []PriorStep // oldest first
	MaxHistory int
	ValueLimit int
}

// BuildPrompt renders the prompt, its resolved params, a bounded summary of
// the most recent completed steps and the allowed options.
func BuildPrompt(p PromptParams) string {
	maxHistory := p.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	limit := p.ValueLimit
	if limit <= 0 {
		limit = DefaultValueLimit
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Prompt))
	b.WriteString("\n")

	if len(p.Params) > 0 {
		b.WriteString("\nParameters:\n")
		keys := make([]string, 0, len(p.Params))
		for k := range p.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, Truncate(execution.Stringify(p.Params[k]), limit))
		}
	}

	history := p.History
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	if len(history) > 0 {
		b.WriteString("\nPrevious steps:\n")
		for _, s := range history {
			fmt.Fprintf(&b, "- %s: %s\n", s.StepID, Truncate(execution.Stringify(s.Data), limit))
		}
	}

	if len(p.Options) > 0 {
		fmt.Fprintf(&b, "\nChoose exactly one of: %s\n", strings.Join(p.Options, ", "))
	}
	b.WriteString(`Respond with JSON {"decision": "...", "reasoning": "..."}.`)
	return b.String()
}

// Truncate cuts s to at most limit bytes on a rune boundary, marking the cut.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Decision is a parsed model answer.
type Decision struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ParseResponse reads {decision, reasoning} JSON, optionally inside a fenced
// code block. Anything else is taken as a plain-text decision.
func ParseResponse(resp string) Decision {
	text := strings.TrimSpace(resp)
	body := stripFence(text)
	var d Decision
	if err := json.Unmarshal([]byte(body), &d); err == nil && d.Decision != "" {
		d.Decision = strings.TrimSpace(d.Decision)
		return d
	}
	return Decision{Decision: text}
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
