package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentspilot/orchestrator/internal/approval"
	"github.com/agentspilot/orchestrator/internal/audit"
	"github.com/agentspilot/orchestrator/internal/conditions"
	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/internal/logging"
	"github.com/agentspilot/orchestrator/internal/providers"
	"github.com/agentspilot/orchestrator/internal/transform"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// PlanSource resolves stored plans referenced by sub-workflow steps.
type PlanSource interface {
	Get(ctx context.Context, id string) (*schema.Plan, error)
}

// pauseSignal stops the level loop without failing the run. requestID is set
// when an approval step is waiting; it is empty for an operator pause.
type pauseSignal struct {
	stepID    string
	requestID string
}

func (p *pauseSignal) Error() string {
	if p.requestID != "" {
		return fmt.Sprintf("run paused on step %s awaiting approval %s", p.stepID, p.requestID)
	}
	return fmt.Sprintf("run paused at step %s", p.stepID)
}

// frame is the scope a step list executes in.
type frame struct {
	ectx           *execution.Context
	maxConcurrency int
	depth          int             // sub-workflow nesting
	paused         <-chan struct{} // closed when an operator pauses the run
	top            bool            // the run's own plan: checkpointed and resumable
}

func (f *frame) nested(ectx *execution.Context, maxConcurrency int) *frame {
	return &frame{ectx: ectx, maxConcurrency: maxConcurrency, depth: f.depth, paused: f.paused}
}

func (f *frame) pauseRequested() bool {
	if f.paused == nil {
		return false
	}
	select {
	case <-f.paused:
		return true
	default:
		return false
	}
}

// stepData is the successful result of one attempt.
type stepData struct {
	data   any
	vars   map[string]any
	tokens int
	items  *int
	// soft marks a failure that keeps its data and never stops the run.
	soft error
}

// Runner executes steps: skip checks, kind dispatch and the
// retry/fallback/continueOnError policy.
type Runner struct {
	cfg        Config
	parser     *Parser
	conds      *conditions.Evaluator
	transforms *transform.Transformer
	actions    providers.ActionProvider
	intel      providers.IntelligenceProvider
	approvals  *approval.Coordinator
	plans      PlanSource
	breakers   *CircuitBreakerRegistry
	pool       *WorkerPool
	audit      audit.Sink
	logger     *slog.Logger
}

// runLevels executes plan level by level in f. Steps already recorded in a
// resumed top-level context are not run again. checkpoint, when set, runs
// after every chunk.
func (r *Runner) runLevels(ctx context.Context, f *frame, plan *ExecutionPlan, checkpoint func(ctx context.Context) error) error {
	coord := NewCoordinator(f.maxConcurrency)
	for lvl := firstIncompleteLevel(plan, f); lvl < len(plan.Levels); lvl++ {
		ids := plan.Levels[lvl]
		if f.top {
			f.ectx.CurrentLevel = lvl
			ids = pendingSteps(ids, f.ectx)
		}
		err := coord.RunLevel(ctx, ids,
			func(ctx context.Context, id string) StepResult {
				return r.runStep(ctx, f, plan, plan.Steps[id])
			},
			func(results []StepResult) error {
				return r.absorb(ctx, f, results, checkpoint)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func firstIncompleteLevel(plan *ExecutionPlan, f *frame) int {
	if !f.top {
		return 0
	}
	for lvl, ids := range plan.Levels {
		if len(pendingSteps(ids, f.ectx)) > 0 {
			return lvl
		}
	}
	return len(plan.Levels)
}

func pendingSteps(ids []string, ectx *execution.Context) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if ectx.State(id) == execution.StateNone {
			out = append(out, id)
		}
	}
	return out
}

// absorb records a finished chunk into the context. It is the only place
// step outputs are written, and it runs on the level loop's goroutine.
func (r *Runner) absorb(ctx context.Context, f *frame, results []StepResult, checkpoint func(ctx context.Context) error) error {
	var fatal error
	var pause *pauseSignal
	for _, res := range results {
		sctx := logging.WithStepID(ctx, res.StepID)
		switch {
		case res.pause != nil:
			if pause == nil {
				pause = res.pause
			}
		case res.Skipped:
			f.ectx.MarkSkipped(res.StepID)
			r.record(sctx, f, schema.EventStepSkipped, res.StepID, map[string]any{"reason": res.Reason})
		case res.Output != nil:
			f.ectx.Record(res.Output)
			event := schema.EventStepCompleted
			if !res.Output.Metadata.Success {
				event = schema.EventStepFailed
			}
			r.record(sctx, f, event, res.StepID, metadataDetails(res.Output.Metadata))
		}
		if res.Err != nil && fatal == nil {
			fatal = res.Err
		}
		if f.top {
			f.ectx.CurrentStepID = res.StepID
		}
	}

	if checkpoint != nil && fatal == nil {
		if err := checkpoint(ctx); err != nil {
			return err
		}
	}
	switch {
	case fatal != nil:
		return fatal
	case pause != nil:
		return pause
	case f.pauseRequested():
		return &pauseSignal{stepID: f.ectx.CurrentStepID}
	}
	return nil
}

// runStep applies the skip checks and runs one step under its policy.
func (r *Runner) runStep(ctx context.Context, f *frame, plan *ExecutionPlan, step *schema.StepDefinition) StepResult {
	ctx = logging.WithStepID(ctx, step.ID)

	for _, dep := range plan.Edges[step.ID] {
		switch f.ectx.State(dep) {
		case execution.StateFailed:
			return StepResult{StepID: step.ID, Skipped: true, Reason: "dependency " + dep + " failed"}
		case execution.StateSkipped:
			return StepResult{StepID: step.ID, Skipped: true, Reason: "dependency " + dep + " skipped"}
		}
	}
	if step.ExecuteIf != nil {
		ok, err := r.conds.Evaluate(step.ExecuteIf, f.ectx)
		if err != nil {
			err = stepFailure(err, step.ID)
			return StepResult{StepID: step.ID, Output: failedOutput(step.ID, time.Now().UTC(), 0, 0, err), Err: err}
		}
		if !ok {
			return StepResult{StepID: step.ID, Skipped: true, Reason: "executeIf is false"}
		}
	}

	if b, ok := step.Body.(*schema.ApprovalStep); ok {
		return r.runApproval(ctx, f, step, b)
	}
	return r.executeWithPolicy(ctx, f, plan, step)
}

// executeWithPolicy runs a step with retries, then its fallback chain, then
// continueOnError. Lost step data and cancellation bypass all three.
func (r *Runner) executeWithPolicy(ctx context.Context, f *frame, plan *ExecutionPlan, step *schema.StepDefinition) StepResult {
	started := time.Now().UTC()
	var result stepData
	tokens := 0

	attempts, err := withRetry(ctx, step.RetryPolicy, func(attempt int) error {
		res, err := r.attempt(ctx, f, plan, step, attempt)
		tokens += res.tokens
		if err != nil {
			return err
		}
		result = res
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		r.logger.WarnContext(ctx, "retrying step",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("class", string(Classify(err))),
			slog.String("error", err.Error()),
		)
		r.record(ctx, f, schema.EventStepRetrying, step.ID, map[string]any{
			"attempt": attempt, "wait_ms": wait.Milliseconds(), "error": err.Error(),
		})
	})

	if err == nil {
		out := &execution.StepOutput{
			StepID:    step.ID,
			Data:      result.data,
			Variables: result.vars,
			Metadata: schema.StepMetadata{
				Success:    result.soft == nil,
				StartedAt:  started,
				DurationMs: time.Since(started).Milliseconds(),
				Attempts:   attempts,
				ItemCount:  result.items,
				TokensUsed: tokens,
			},
		}
		if result.soft != nil {
			setError(&out.Metadata, result.soft)
		}
		return StepResult{StepID: step.ID, Output: out}
	}

	var pause *pauseSignal
	if errors.As(err, &pause) {
		return StepResult{StepID: step.ID, pause: pause}
	}
	err = stepFailure(err, step.ID)
	failed := failedOutput(step.ID, started, attempts, tokens, err)
	if bypassesPolicy(ctx, err) {
		return StepResult{StepID: step.ID, Output: failed, Err: err}
	}

	if chain := plan.Fallbacks[step.ID]; chain != nil {
		fb, ferr := r.runFallbacks(ctx, f, chain)
		if ferr == nil {
			r.record(ctx, f, schema.EventStepFallback, step.ID, map[string]any{"error": err.Error()})
			return StepResult{StepID: step.ID, Output: &execution.StepOutput{
				StepID:    step.ID,
				Data:      fb.Data,
				Variables: fb.Variables,
				Metadata: schema.StepMetadata{
					Success:    true,
					StartedAt:  started,
					DurationMs: time.Since(started).Milliseconds(),
					Attempts:   attempts,
					TokensUsed: tokens + fb.Metadata.TokensUsed,
					ItemCount:  fb.Metadata.ItemCount,
					Fallback:   true,
				},
			}}
		}
		if errors.As(ferr, &pause) {
			return StepResult{StepID: step.ID, pause: pause}
		}
		if bypassesPolicy(ctx, ferr) {
			return StepResult{StepID: step.ID, Output: failed, Err: ferr}
		}
		r.logger.WarnContext(ctx, "fallback chain failed", slog.String("error", ferr.Error()))
	}

	if step.ContinueOnError {
		r.logger.InfoContext(ctx, "step failed, continuing", slog.String("error", err.Error()))
		return StepResult{StepID: step.ID, Output: failed}
	}
	return StepResult{StepID: step.ID, Output: failed, Err: err}
}

// bypassesPolicy reports errors that no fallback or continueOnError may
// absorb: lost step data and run cancellation.
func bypassesPolicy(ctx context.Context, err error) bool {
	if errors.Is(err, schema.ErrDataUnavailable) {
		return true
	}
	if oe, ok := schema.AsOrchestratorError(err); ok && oe.Code == schema.ErrCodeCancelled {
		return true
	}
	return ctx.Err() != nil
}

// attempt runs one try of a step under its timeout.
func (r *Runner) attempt(ctx context.Context, f *frame, plan *ExecutionPlan, step *schema.StepDefinition, attempt int) (stepData, error) {
	actx := ctx
	if d := step.Timeout.Std(); d > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	res, err := r.dispatch(actx, f, plan, step, attempt)
	if err != nil {
		if ctx.Err() != nil {
			return res, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithStep(step.ID).WithCause(ctx.Err())
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return res, schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", step.Timeout.Std()).
				WithClass(schema.ClassTimeout).
				WithStep(step.ID).
				WithCause(err)
		}
	}
	return res, err
}

func (r *Runner) dispatch(ctx context.Context, f *frame, plan *ExecutionPlan, step *schema.StepDefinition, attempt int) (stepData, error) {
	switch b := step.Body.(type) {
	case *schema.ActionStep:
		return r.runAction(ctx, f, step, b, attempt)
	case *schema.DecisionStep:
		return r.runDecision(ctx, f, step, b, attempt)
	case *schema.TransformStep:
		return r.runTransform(ctx, f, b)
	case *schema.DelayStep:
		return r.runDelay(ctx, f, step, b)
	case *schema.ConditionalStep:
		ok, err := r.conds.Evaluate(b.Condition, f.ectx)
		if err != nil {
			return stepData{}, err
		}
		return stepData{data: map[string]any{"result": ok}}, nil
	case *schema.LoopStep:
		return r.runLoop(ctx, f, plan.Nested[step.ID], step, b)
	case *schema.ParallelGroupStep:
		return r.runGroup(ctx, f, plan.Nested[step.ID], b)
	case *schema.SubWorkflowStep:
		return r.runSubWorkflow(ctx, f, plan.Nested[step.ID], step, b)
	}
	return stepData{}, schema.NewErrorf(schema.ErrCodeValidation, "step kind %q cannot be executed here", step.Kind).WithStep(step.ID)
}

// runFallbacks runs a fallback chain one step at a time in its own scope.
// The chain succeeds when its last step succeeds.
func (r *Runner) runFallbacks(ctx context.Context, f *frame, chain *ExecutionPlan) (*execution.StepOutput, error) {
	scope := f.ectx.Child()
	sub := f.nested(scope, 1)
	var last *execution.StepOutput
	for _, level := range chain.Levels {
		for _, id := range level {
			res := r.executeWithPolicy(logging.WithStepID(ctx, id), sub, chain, chain.Steps[id])
			if res.pause != nil {
				return nil, res.pause
			}
			if res.Err != nil {
				return nil, res.Err
			}
			scope.Record(res.Output)
			last = res.Output
		}
	}
	if last == nil || !last.Metadata.Success {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "last fallback step failed")
	}
	return last, nil
}

// call runs fn on the shared worker pool, which bounds concurrent provider
// calls across all runs.
func (r *Runner) call(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := r.pool.Go(ctx, fn)
	if err != nil {
		return schema.NewStepError(schema.ClassUnavailable, "%s", err.Error()).WithCause(err)
	}
	err = <-done
	var p *PanicError
	if errors.As(err, &p) {
		r.logger.ErrorContext(ctx, "provider panicked", slog.Any("panic", p.Value), slog.String("stack", string(p.Stack)))
		return schema.NewStepError(schema.ClassInternal, "%s", p.Error()).WithCause(err)
	}
	return err
}

func (r *Runner) userContext(f *frame, stepID string, attempt int) providers.UserContext {
	return providers.UserContext{
		UserID:         f.ectx.UserID,
		RunID:          f.ectx.RunID,
		StepID:         stepID,
		Attempt:        attempt,
		IdempotencyKey: providers.IdempotencyKey(f.ectx.RunID, stepID, attempt),
	}
}

func (r *Runner) record(ctx context.Context, f *frame, event, stepID string, details map[string]any) {
	err := r.audit.Record(ctx, audit.Entry{
		At:      time.Now().UTC(),
		Event:   event,
		RunID:   f.ectx.RunID,
		StepID:  stepID,
		UserID:  f.ectx.UserID,
		Details: details,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "audit record failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// stepFailure attributes err to stepID. Errors from providers that are not
// OrchestratorErrors become classified StepExecution errors.
func stepFailure(err error, stepID string) error {
	if oe, ok := schema.AsOrchestratorError(err); ok {
		if oe.StepID == "" {
			oe.StepID = stepID
		}
		return oe
	}
	return schema.NewStepError(Classify(err), "%s", err.Error()).WithStep(stepID).WithCause(err)
}

func failedOutput(stepID string, started time.Time, attempts, tokens int, err error) *execution.StepOutput {
	out := &execution.StepOutput{
		StepID: stepID,
		Metadata: schema.StepMetadata{
			StartedAt:  started,
			DurationMs: time.Since(started).Milliseconds(),
			Attempts:   attempts,
			TokensUsed: tokens,
		},
	}
	setError(&out.Metadata, err)
	return out
}

func setError(m *schema.StepMetadata, err error) {
	m.Success = false
	if oe, ok := schema.AsOrchestratorError(err); ok {
		m.Error = oe.Message
		m.ErrorCode = oe.Code
		return
	}
	m.Error = err.Error()
	m.ErrorCode = schema.ErrCodeStepExecution
}

func metadataDetails(m schema.StepMetadata) map[string]any {
	d := map[string]any{"success": m.Success, "duration_ms": m.DurationMs}
	if m.Attempts > 1 {
		d["attempts"] = m.Attempts
	}
	if m.Error != "" {
		d["error"] = m.Error
		d["error_code"] = m.ErrorCode
	}
	if m.Fallback {
		d["fallback"] = true
	}
	if m.TokensUsed > 0 {
		d["tokens_used"] = m.TokensUsed
	}
	return d
}
