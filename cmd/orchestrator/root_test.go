package main

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/internal/actions"
)

func pluginCfg(name string) actions.MCPConfig {
	return actions.MCPConfig{Name: name, Command: name + "-mcp"}
}

// execute runs the CLI with an in-memory store and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	isolateHome(t)
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--store-driver", "memory"}, args...))
	err := root.Execute()
	return out.String(), err
}

const greetYAML = `
id: greet
steps:
  - id: hello
    kind: action
    plugin: core
    action: echo
    params:
      msg: "hi {{input.name}}"
output:
  greeting: "{{hello.data.msg}}"
`

func TestRunCommand_PlanFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "greet.yaml", greetYAML)

	out, err := execute(t, "run", path, "--user", "u1", "-i", "name=ada")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "completed", res["status"])
	assert.Equal(t, map[string]any{"greeting": "hi ada"}, res["output"])
}

func TestRunCommand_Errors(t *testing.T) {
	path := writeFile(t, t.TempDir(), "greet.yaml", greetYAML)

	_, err := execute(t, "run", "--user", "u1")
	assert.ErrorContains(t, err, "plan file or --plan-id")

	_, err = execute(t, "run", path)
	assert.Error(t, err, "--user is required")

	_, err = execute(t, "run", filepath.Join(t.TempDir(), "missing.yaml"), "--user", "u1")
	assert.ErrorContains(t, err, "read plan")

	_, err = execute(t, "run", "--plan-id", "nope", "--user", "u1")
	assert.ErrorContains(t, err, "NOT_FOUND")
}

func TestPauseCommand_UnknownRun(t *testing.T) {
	_, err := execute(t, "pause", "missing")
	assert.ErrorContains(t, err, "NOT_FOUND")

	_, err = execute(t, "pause")
	assert.Error(t, err)
}

func TestPlansValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "greet.yaml", greetYAML)
	bad := writeFile(t, dir, "bad.json", `{"steps":[{"id":"a","kind":"teleport"}]}`)

	out, err := execute(t, "plans", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)

	_, err = execute(t, "plans", "validate", bad)
	assert.Error(t, err)
}

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs(`{"n": 1, "tags": ["a"]}`, []string{"name=ada", "count=3", "flag=true", "raw=not json", "n=2"})
	require.NoError(t, err)
	assert.Equal(t, "ada", inputs["name"])
	assert.Equal(t, json.Number("3"), inputs["count"])
	assert.Equal(t, true, inputs["flag"])
	assert.Equal(t, "not json", inputs["raw"])
	assert.Equal(t, json.Number("2"), inputs["n"])
	assert.Equal(t, []any{"a"}, inputs["tags"])

	_, err = parseInputs(`[1]`, nil)
	assert.Error(t, err)
	_, err = parseInputs("", []string{"novalue"})
	assert.Error(t, err)
}

func TestPlansDiagramCommand(t *testing.T) {
	path := writeFile(t, t.TempDir(), "greet.yaml", greetYAML)

	out, err := execute(t, "plans", "diagram", path)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "__start__ --> hello")

	_, err = execute(t, "plans", "diagram")
	assert.ErrorContains(t, err, "either a plan argument or --run")
}
