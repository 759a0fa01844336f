package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentspilot/orchestrator/internal/approval"
	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/internal/reasoning"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// DefaultItemVariable names the loop item when a loop step does not.
const DefaultItemVariable = "item"

func (r *Runner) runAction(ctx context.Context, f *frame, step *schema.StepDefinition, b *schema.ActionStep, attempt int) (stepData, error) {
	params, err := f.ectx.ResolveParams(step.Params)
	if err != nil {
		return stepData{}, err
	}
	if err := r.breakers.Allow(b.Plugin); err != nil {
		return stepData{}, err
	}

	uc := r.userContext(f, step.ID, attempt)
	var data any
	err = r.call(ctx, func(ctx context.Context) error {
		out, err := r.actions.Invoke(ctx, uc, b.Plugin, b.Action, params)
		data = out
		return err
	})
	if err != nil {
		if ctx.Err() == nil && Classify(err) != schema.ClassValidation {
			if r.breakers.RecordFailure(b.Plugin) {
				r.logger.WarnContext(ctx, "circuit opened", slog.String("plugin", b.Plugin))
				r.record(ctx, f, schema.EventCircuitOpen, step.ID, map[string]any{"plugin": b.Plugin})
			}
		}
		return stepData{}, err
	}
	r.breakers.RecordSuccess(b.Plugin)
	return stepData{data: data}, nil
}

func (r *Runner) runDecision(ctx context.Context, f *frame, step *schema.StepDefinition, b *schema.DecisionStep, attempt int) (stepData, error) {
	resolved, err := f.ectx.ResolveAll(b.Prompt)
	if err != nil {
		return stepData{}, err
	}
	params, err := f.ectx.ResolveParams(step.Params)
	if err != nil {
		return stepData{}, err
	}

	var history []reasoning.PriorStep
	for _, id := range f.ectx.Completed() {
		if out, ok := f.ectx.Output(id); ok {
			history = append(history, reasoning.PriorStep{StepID: id, Data: out.Data})
		}
	}
	prompt := reasoning.BuildPrompt(reasoning.PromptParams{
		Prompt:     execution.Stringify(resolved),
		Params:     params,
		Options:    b.Options,
		History:    history,
		MaxHistory: r.cfg.DecisionHistory,
		ValueLimit: r.cfg.DecisionValueLimit,
	})

	uc := r.userContext(f, step.ID, attempt)
	var resp string
	var tokens int
	err = r.call(ctx, func(ctx context.Context) error {
		var err error
		resp, tokens, err = r.intel.Decide(ctx, uc, prompt, b.Hint)
		return err
	})
	if err != nil {
		return stepData{tokens: tokens}, err
	}
	if b.TokenBudget > 0 && tokens > b.TokenBudget {
		return stepData{tokens: tokens}, schema.NewErrorf(schema.ErrCodeBudgetExceeded,
			"decision used %d tokens, budget is %d", tokens, b.TokenBudget).
			WithClass(schema.ClassBudget).
			WithDetails(map[string]any{"tokensUsed": tokens, "tokenBudget": b.TokenBudget})
	}

	d := reasoning.ParseResponse(resp)
	choice, err := reasoning.ValidateOption(b.Options, d.Decision)
	if err != nil {
		return stepData{tokens: tokens}, err
	}
	return stepData{
		data: map[string]any{
			"decision":   choice,
			"reasoning":  d.Reasoning,
			"tokensUsed": tokens,
		},
		tokens: tokens,
	}, nil
}

func (r *Runner) runTransform(ctx context.Context, f *frame, b *schema.TransformStep) (stepData, error) {
	data, n, err := r.transforms.Apply(ctx, b, f.ectx)
	if err != nil {
		return stepData{}, err
	}
	res := stepData{data: data}
	if b.OutputVariable != "" {
		res.vars = map[string]any{b.OutputVariable: data}
	}
	if n >= 0 {
		res.items = &n
	}
	return res, nil
}

// runDelay waits for the step's duration. An operator pause interrupts the
// wait; the delay runs again in full on resume.
func (r *Runner) runDelay(ctx context.Context, f *frame, step *schema.StepDefinition, b *schema.DelayStep) (stepData, error) {
	raw, err := f.ectx.ResolveAll(b.Duration)
	if err != nil {
		return stepData{}, err
	}
	d, err := schema.ParseDuration(raw)
	if err != nil {
		return stepData{}, schema.NewStepError(schema.ClassValidation, "%s", err.Error())
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return stepData{data: map[string]any{"delayedMs": d.Milliseconds()}}, nil
	case <-ctx.Done():
		return stepData{}, ctx.Err()
	case <-f.paused:
		return stepData{}, &pauseSignal{stepID: step.ID}
	}
}

// runLoop runs the body once per item, one iteration at a time. Each
// iteration gets its own scope with the item and index bound.
func (r *Runner) runLoop(ctx context.Context, f *frame, body *ExecutionPlan, step *schema.StepDefinition, b *schema.LoopStep) (stepData, error) {
	raw, err := f.ectx.Resolve(b.Over)
	if err != nil {
		return stepData{}, err
	}
	items, ok := execution.ToSlice(raw)
	if !ok && raw != nil {
		return stepData{}, schema.NewStepError(schema.ClassValidation, "loop over %s is not a list", b.Over)
	}

	limit := b.MaxIterations
	if limit <= 0 {
		limit = r.cfg.MaxLoopIterations
	}
	truncated := false
	if len(items) > limit {
		r.logger.WarnContext(ctx, "loop truncated", slog.Int("items", len(items)), slog.Int("limit", limit))
		items = items[:limit]
		truncated = true
	}
	itemVar := b.ItemVariable
	if itemVar == "" {
		itemVar = DefaultItemVariable
	}

	var res stepData
	iterations := make([]any, 0, len(items))
	for i, item := range items {
		iter := f.ectx.WithCurrent(item).Child()
		iter.SetVariable(itemVar, item)
		iter.SetVariable("index", i)

		err := r.runLevels(ctx, f.nested(iter, 1), body, nil)
		res.tokens += iter.TotalTokensUsed

		entry := map[string]any{"index": i, "success": err == nil, "outputs": iter.LocalOutputs()}
		if err != nil {
			var pause *pauseSignal
			if errors.As(err, &pause) {
				return res, err
			}
			entry["error"] = err.Error()
		}
		iterations = append(iterations, entry)
		r.record(ctx, f, schema.EventLoopIteration, step.ID, map[string]any{"index": i, "success": err == nil})

		if err != nil && !step.ContinueOnError {
			return res, err
		}
	}

	count := len(iterations)
	res.data = map[string]any{"iterations": iterations, "count": count, "truncated": truncated}
	res.items = &count
	return res, nil
}

func (r *Runner) runGroup(ctx context.Context, f *frame, body *ExecutionPlan, b *schema.ParallelGroupStep) (stepData, error) {
	mc := b.MaxConcurrency
	if mc <= 0 {
		mc = r.cfg.MaxConcurrency
	}
	scope := f.ectx.Child()
	err := r.runLevels(ctx, f.nested(scope, mc), body, nil)
	res := stepData{tokens: scope.TotalTokensUsed}
	if err != nil {
		return res, err
	}
	res.data = scope.LocalOutputs()
	return res, nil
}

// runSubWorkflow executes a nested plan in a fresh context. Only resolved
// inputs, and variables when inheritContext is set, cross into the child.
func (r *Runner) runSubWorkflow(ctx context.Context, f *frame, body *ExecutionPlan, step *schema.StepDefinition, b *schema.SubWorkflowStep) (stepData, error) {
	if f.depth+1 > r.cfg.MaxSubWorkflowDepth {
		return stepData{}, schema.NewStepError(schema.ClassValidation,
			"sub-workflow depth limit %d exceeded", r.cfg.MaxSubWorkflowDepth)
	}

	var output any
	if b.PlanRef != "" {
		if r.plans == nil {
			return stepData{}, schema.NewStepError(schema.ClassValidation, "no plan repository to resolve %q", b.PlanRef)
		}
		ref, err := r.plans.Get(ctx, b.PlanRef)
		if err != nil {
			return stepData{}, err
		}
		body, err = r.parser.parse(ref.Steps, step.ID)
		if err != nil {
			return stepData{}, err
		}
		output = ref.Output
	}
	if body == nil {
		return stepData{}, schema.NewStepError(schema.ClassValidation, "sub-workflow has no steps")
	}

	inputs, err := f.ectx.ResolveParams(b.Inputs)
	if err != nil {
		return stepData{}, err
	}
	if b.InheritContext && b.Inputs == nil {
		inputs = f.ectx.Inputs()
	}
	child := execution.New(f.ectx.RunID, f.ectx.UserID, inputs)
	child.PlanID = b.PlanRef
	if b.InheritContext {
		for k, v := range f.ectx.Variables() {
			child.SetVariable(k, v)
		}
	}

	sub := &frame{ectx: child, maxConcurrency: r.cfg.MaxConcurrency, depth: f.depth + 1, paused: f.paused}
	runErr := r.runLevels(ctx, sub, body, nil)
	res := stepData{tokens: child.TotalTokensUsed}
	if runErr != nil {
		var pause *pauseSignal
		if errors.As(runErr, &pause) || ctx.Err() != nil {
			return res, runErr
		}
		switch b.ErrorMode() {
		case schema.OnErrorContinue:
			res.data = map[string]any{"error": runErr.Error(), "partial": child.LocalOutputs()}
			res.soft = runErr
			return res, nil
		case schema.OnErrorReturnError:
			res.data = map[string]any{"error": runErr.Error()}
			return res, nil
		default:
			return res, runErr
		}
	}

	switch {
	case len(b.OutputMapping) > 0:
		mapped := make(map[string]any, len(b.OutputMapping))
		for name, ref := range b.OutputMapping {
			v, err := child.Resolve(ref)
			if err != nil {
				return res, err
			}
			mapped[name] = v
		}
		res.data = mapped
		res.vars = mapped
	case output != nil:
		v, err := child.ResolveAll(output)
		if err != nil {
			return res, err
		}
		res.data = v
	default:
		res.data = child.LocalOutputs()
	}
	return res, nil
}

// runApproval enters the approval gate. It never retries: a pending request
// pauses the run and a decided one yields output or a rejection.
func (r *Runner) runApproval(ctx context.Context, f *frame, step *schema.StepDefinition, b *schema.ApprovalStep) StepResult {
	started := time.Now().UTC()
	title, err := f.ectx.ResolveAll(b.Title)
	if err != nil {
		err = stepFailure(err, step.ID)
		return StepResult{StepID: step.ID, Output: failedOutput(step.ID, started, 1, 0, err), Err: err}
	}
	message, err := f.ectx.ResolveAll(b.Message)
	if err != nil {
		err = stepFailure(err, step.ID)
		return StepResult{StepID: step.ID, Output: failedOutput(step.ID, started, 1, 0, err), Err: err}
	}

	entry, err := r.approvals.Enter(ctx, approval.Gate{
		RunID:   f.ectx.RunID,
		UserID:  f.ectx.UserID,
		StepID:  step.ID,
		Step:    b,
		Timeout: step.Timeout.Std(),
		Title:   execution.Stringify(title),
		Message: execution.Stringify(message),
	})
	switch {
	case errors.Is(err, schema.ErrApprovalRejected):
		err = stepFailure(err, step.ID)
		failed := failedOutput(step.ID, started, 1, 0, err)
		if b.RejectAction() == schema.RejectFailBranch || step.ContinueOnError {
			return StepResult{StepID: step.ID, Output: failed}
		}
		return StepResult{StepID: step.ID, Output: failed, Err: err}
	case err != nil:
		err = stepFailure(err, step.ID)
		return StepResult{StepID: step.ID, Output: failedOutput(step.ID, started, 1, 0, err), Err: err}
	case entry.Paused:
		return StepResult{StepID: step.ID, pause: &pauseSignal{stepID: step.ID, requestID: entry.Request.ID}}
	}

	return StepResult{StepID: step.ID, Output: &execution.StepOutput{
		StepID: step.ID,
		Data:   entry.Output,
		Metadata: schema.StepMetadata{
			Success:    true,
			StartedAt:  started,
			DurationMs: time.Since(started).Milliseconds(),
			Attempts:   1,
		},
	}}
}
