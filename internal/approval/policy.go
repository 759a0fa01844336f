package approval

import (
	"context"

	"github.com/agentspilot/orchestrator/internal/expressions"
	"github.com/agentspilot/orchestrator/internal/store"
)

// DefaultPolicy authorizes exactly the principals a request is addressed to.
const DefaultPolicy = "approver in approvers"

// Policy decides whether a principal may answer a request.
type Policy struct {
	engine     *expressions.CELEngine
	expression string
}

// NewPolicy compiles expression, or DefaultPolicy when it is empty.
func NewPolicy(expression string) (*Policy, error) {
	if expression == "" {
		expression = DefaultPolicy
	}
	engine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if err := engine.Check(expression); err != nil {
		return nil, err
	}
	return &Policy{engine: engine, expression: expression}, nil
}

// Expression returns the policy source.
func (p *Policy) Expression() string { return p.expression }

// Allows evaluates the policy for approver against req.
func (p *Policy) Allows(ctx context.Context, approver string, req *store.ApprovalRequest) (bool, error) {
	return p.engine.Allow(ctx, p.expression, map[string]any{
		"approver":    approver,
		"approvers":   orEmpty(req.Approvers),
		"escalate_to": orEmpty(req.EscalateTo),
		"request": map[string]any{
			"id":               req.ID,
			"run_id":           req.RunID,
			"step_id":          req.StepID,
			"mode":             string(req.Mode),
			"escalation_level": int64(req.EscalationLevel),
		},
	})
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
