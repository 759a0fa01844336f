package validation

import (
	"fmt"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// ActionLookup reports whether a plugin exposes an action. The action
// registry implements it.
type ActionLookup interface {
	HasAction(plugin, action string) bool
}

// PlanValidator runs the structural (JSON Schema) and semantic checks on a
// plan. Graph checks (cycles, references) belong to the engine's parser.
type PlanValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewPlanValidator creates a PlanValidator. lookup may be nil to skip action
// existence checks.
func NewPlanValidator(lookup ActionLookup) (*PlanValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{jsonSchema: jsv, actions: lookup}, nil
}

// Schema returns the underlying JSON Schema validator.
func (v *PlanValidator) Schema() *JSONSchemaValidator { return v.jsonSchema }

// Validate checks plan and aggregates every issue. Structural errors
// short-circuit the semantic stage.
func (v *PlanValidator) Validate(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if plan == nil {
		result.AddError("/", schema.ErrCodeValidation, "plan is nil")
		return result
	}
	if err := v.jsonSchema.ValidatePlan(plan); err != nil {
		addSchemaError(result, err)
		return result
	}
	for i := range plan.Steps {
		v.checkStep(&plan.Steps[i], fmt.Sprintf("steps[%d]", i), result)
	}
	return result
}

func (v *PlanValidator) checkStep(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	switch b := step.Body.(type) {
	case *schema.ActionStep:
		if v.actions != nil && !v.actions.HasAction(b.Plugin, b.Action) {
			result.AddError(path+".action", schema.ErrCodeValidation,
				fmt.Sprintf("action %s.%s is not registered", b.Plugin, b.Action))
		}
	case *schema.DecisionStep:
		if len(b.Options) == 0 {
			result.AddWarning(path+".options", schema.ErrCodeValidation,
				"decision without options accepts any answer")
		}
	case *schema.LoopStep:
		if b.MaxIterations == 0 {
			result.AddWarning(path+".maxIterations", schema.ErrCodeValidation,
				"loop uses the engine default iteration bound")
		}
	case *schema.ApprovalStep:
		if b.TimeoutAction() == schema.TimeoutEscalate && len(b.EscalateTo) == 0 {
			result.AddWarning(path+".escalateTo", schema.ErrCodeValidation,
				"escalation without escalateTo degrades to reject")
		}
	}
	for i, child := range step.NestedSteps() {
		c := child
		v.checkStep(&c, fmt.Sprintf("%s.steps[%d]", path, i), result)
	}
	for i := range step.FallbackSteps {
		v.checkStep(&step.FallbackSteps[i], fmt.Sprintf("%s.fallbackSteps[%d]", path, i), result)
	}
}

func addSchemaError(result *schema.ValidationResult, err error) {
	oe, ok := schema.AsOrchestratorError(err)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	violations, _ := oe.Details["violations"].([]string)
	if len(violations) == 0 {
		result.AddError("/", oe.Code, oe.Message)
		return
	}
	for _, msg := range violations {
		result.AddError("/", oe.Code, msg)
	}
}
