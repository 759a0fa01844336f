package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

const planSchemaURL = "https://agentspilot.dev/schemas/plan.json"

// planSchemaJSON is the JSON Schema for plan documents. Steps use the flat
// wire shape: envelope and kind fields side by side.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentspilot.dev/schemas/plan.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "maxConcurrency": { "type": "integer", "minimum": 1 },
    "inputSchema": { "type": "object" },
    "output": {},
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "anyOf": [
        { "type": "string", "minLength": 1 },
        { "type": "number", "minimum": 0 }
      ]
    },
    "condition": {
      "anyOf": [
        { "type": "string", "minLength": 1 },
        { "type": "object" }
      ]
    },
    "stringList": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "stepList": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "retryPolicy": {
      "type": "object",
      "properties": {
        "maxRetries": { "type": "integer", "minimum": 0 },
        "baseDelay": { "$ref": "#/$defs/duration" },
        "backoffMultiplier": { "type": "number", "minimum": 0 },
        "maxDelay": { "$ref": "#/$defs/duration" },
        "retryableKinds": {
          "type": "array",
          "items": {
            "enum": ["network", "timeout", "rate_limit", "unavailable", "validation", "auth", "budget", "internal"]
          }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "enum": ["action", "decision", "transform", "delay", "conditional", "loop", "sub_workflow", "approval", "parallel_group"]
        },
        "dependencies": { "$ref": "#/$defs/stringList", "uniqueItems": true },
        "params": { "type": "object" },
        "executeIf": { "$ref": "#/$defs/condition" },
        "retryPolicy": { "$ref": "#/$defs/retryPolicy" },
        "fallbackSteps": { "$ref": "#/$defs/stepList" },
        "continueOnError": { "type": "boolean" },
        "timeout": { "$ref": "#/$defs/duration" },

        "plugin": { "type": "string", "minLength": 1 },
        "action": { "type": "string", "minLength": 1 },

        "prompt": { "type": "string", "minLength": 1 },
        "options": { "$ref": "#/$defs/stringList" },
        "hint": { "type": "object" },
        "tokenBudget": { "type": "integer", "minimum": 0 },

        "operation": { "enum": ["map", "filter", "reduce", "sort", "group", "jq"] },
        "input": { "type": "string", "minLength": 1 },
        "expression": { "type": "string" },
        "condition": { "$ref": "#/$defs/condition" },
        "initial": {},
        "descending": { "type": "boolean" },
        "outputVariable": { "type": "string" },

        "duration": { "$ref": "#/$defs/duration" },

        "over": { "type": "string", "minLength": 1 },
        "steps": { "$ref": "#/$defs/stepList" },
        "maxIterations": { "type": "integer", "minimum": 0 },
        "maxConcurrency": { "type": "integer", "minimum": 0 },
        "itemVariable": { "type": "string", "minLength": 1 },

        "planRef": { "type": "string", "minLength": 1 },
        "inheritContext": { "type": "boolean" },
        "inputs": { "type": "object" },
        "outputMapping": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "onError": { "enum": ["throw", "continue", "return_error"] },

        "approvers": { "$ref": "#/$defs/stringList", "minItems": 1 },
        "approvalMode": { "enum": ["any", "all"] },
        "onTimeout": { "enum": ["escalate", "reject", "approve"] },
        "escalateTo": { "$ref": "#/$defs/stringList" },
        "onReject": { "enum": ["fail_run", "fail_branch"] },
        "title": { "type": "string" },
        "message": { "type": "string" }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "properties": { "kind": { "const": "action" } } }, "then": { "required": ["plugin", "action"] } },
        { "if": { "properties": { "kind": { "const": "decision" } } }, "then": { "required": ["prompt"] } },
        { "if": { "properties": { "kind": { "const": "transform" } } }, "then": { "required": ["operation", "input"] } },
        { "if": { "properties": { "kind": { "const": "delay" } } }, "then": { "required": ["duration"] } },
        { "if": { "properties": { "kind": { "const": "conditional" } } }, "then": { "required": ["condition"] } },
        { "if": { "properties": { "kind": { "const": "loop" } } }, "then": { "required": ["over", "steps"] } },
        { "if": { "properties": { "kind": { "const": "approval" } } }, "then": { "required": ["approvers"] } },
        { "if": { "properties": { "kind": { "const": "parallel_group" } } }, "then": { "required": ["steps"] } },
        {
          "if": { "properties": { "kind": { "not": { "enum": ["conditional", "transform"] } } } },
          "then": { "not": { "required": ["condition", "executeIf"] } }
        }
      ]
    }
  }
}`

// JSONSchemaValidator checks plan documents and run inputs against JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	planSchema *jsonschema.Schema

	// mu guards the cache of compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the plan schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource(planSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	compiled, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &JSONSchemaValidator{
		planSchema: compiled,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a decoded plan document (maps, slices, scalars)
// before it is bound to schema.Plan.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan document is empty")
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize plan document").WithCause(err)
	}
	if err := v.planSchema.Validate(val); err != nil {
		return toOrchestratorError(err)
	}
	return nil
}

// ValidatePlan checks a bound plan by validating its wire form.
func (v *JSONSchemaValidator) ValidatePlan(plan *schema.Plan) error {
	if plan == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	return v.ValidateDocument(plan)
}

// ValidateInput checks run inputs against a plan's inputSchema. A nil schema
// accepts anything. Compiled schemas are cached by their JSON text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toOrchestratorError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(inputSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("orchestrator://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, which
// the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toOrchestratorError flattens a jsonschema.ValidationError into one
// validation error listing every leaf violation.
func toOrchestratorError(err error) *schema.OrchestratorError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
