package reasoning

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

func TestBuildPrompt_BoundsHistory(t *testing.T) {
	var history []PriorStep
	for i := 0; i < 8; i++ {
		history = append(history, PriorStep{StepID: fmt.Sprintf("s%d", i), Data: map[string]any{"n": i}})
	}

	prompt := BuildPrompt(PromptParams{
		Prompt:  "  Pick a carrier  ",
		Params:  map[string]any{"weight": 12.5, "dest": "Lisbon"},
		Options: []string{"dhl", "ups"},
		History: history,
	})

	assert.True(t, strings.HasPrefix(prompt, "Pick a carrier\n"))
	assert.Contains(t, prompt, "- dest: Lisbon\n- weight: 12.5\n")
	assert.NotContains(t, prompt, "- s2:")
	for i := 3; i < 8; i++ {
		assert.Contains(t, prompt, fmt.Sprintf(`- s%d: {"n":%d}`, i, i))
	}
	assert.Contains(t, prompt, "Choose exactly one of: dhl, ups")
}

func TestBuildPrompt_TruncatesValues(t *testing.T) {
	prompt := BuildPrompt(PromptParams{
		Prompt:     "Summarize",
		History:    []PriorStep{{StepID: "fetch", Data: strings.Repeat("x", 100)}},
		ValueLimit: 10,
	})
	assert.Contains(t, prompt, "- fetch: xxxxxxxxxx...(truncated)")
	assert.NotContains(t, prompt, "Choose exactly one")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "ab...(truncated)", Truncate("abcdef", 2))
	// "é" is two bytes; a cut inside it backs off to the rune start.
	assert.Equal(t, "a...(truncated)", Truncate("aéb", 2))
	assert.Equal(t, "unbounded", Truncate("unbounded", 0))
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Decision
	}{
		{"json", `{"decision": "approve", "reasoning": "low risk"}`, Decision{Decision: "approve", Reasoning: "low risk"}},
		{"fenced json", "```json\n{\"decision\": \" ups \"}\n```", Decision{Decision: "ups"}},
		{"plain text", "  ship it \n", Decision{Decision: "ship it"}},
		{"json without decision", `{"answer": "x"}`, Decision{Decision: `{"answer": "x"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResponse(tt.in))
		})
	}
}

func TestValidateOption(t *testing.T) {
	got, err := ValidateOption([]string{"Approve", "Reject"}, " approve ")
	require.NoError(t, err)
	assert.Equal(t, "Approve", got)

	got, err = ValidateOption(nil, "anything")
	require.NoError(t, err)
	assert.Equal(t, "anything", got)

	_, err = ValidateOption([]string{"a", "b"}, "c")
	oe, ok := schema.AsOrchestratorError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ClassValidation, oe.Class)
	assert.False(t, oe.IsRetryable())
}
