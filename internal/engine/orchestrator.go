package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentspilot/orchestrator/internal/approval"
	"github.com/agentspilot/orchestrator/internal/audit"
	"github.com/agentspilot/orchestrator/internal/checkpoint"
	"github.com/agentspilot/orchestrator/internal/conditions"
	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/internal/lease"
	"github.com/agentspilot/orchestrator/internal/logging"
	"github.com/agentspilot/orchestrator/internal/providers"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/internal/tasks"
	"github.com/agentspilot/orchestrator/internal/transform"
	"github.com/agentspilot/orchestrator/internal/validation"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// Engine defaults.
const (
	DefaultMaxLoopIterations   = 100
	DefaultMaxSubWorkflowDepth = 10
	DefaultMaxInflightCalls    = 32
)

// Config tunes the engine.
type Config struct {
	MaxConcurrency      int                  `mapstructure:"max_concurrency" json:"max_concurrency"`
	MaxLoopIterations   int                  `mapstructure:"max_loop_iterations" json:"max_loop_iterations"`
	MaxSubWorkflowDepth int                  `mapstructure:"max_subworkflow_depth" json:"max_subworkflow_depth"`
	DecisionHistory     int                  `mapstructure:"decision_history" json:"decision_history"`
	DecisionValueLimit  int                  `mapstructure:"decision_value_limit" json:"decision_value_limit"`
	MaxInflightCalls    int                  `mapstructure:"max_inflight_calls" json:"max_inflight_calls"` // provider calls across all runs
	LeaseTTL            time.Duration        `mapstructure:"lease_ttl" json:"lease_ttl"`
	CircuitBreaker      CircuitBreakerConfig `mapstructure:"circuit_breaker" json:"circuit_breaker"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:      DefaultMaxConcurrency,
		MaxLoopIterations:   DefaultMaxLoopIterations,
		MaxSubWorkflowDepth: DefaultMaxSubWorkflowDepth,
		DecisionHistory:     5,
		DecisionValueLimit:  500,
		MaxInflightCalls:    DefaultMaxInflightCalls,
		LeaseTTL:            lease.DefaultTTL,
		CircuitBreaker:      DefaultCircuitBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.MaxLoopIterations <= 0 {
		c.MaxLoopIterations = def.MaxLoopIterations
	}
	if c.MaxSubWorkflowDepth <= 0 {
		c.MaxSubWorkflowDepth = def.MaxSubWorkflowDepth
	}
	if c.DecisionHistory <= 0 {
		c.DecisionHistory = def.DecisionHistory
	}
	if c.DecisionValueLimit <= 0 {
		c.DecisionValueLimit = def.DecisionValueLimit
	}
	if c.MaxInflightCalls <= 0 {
		c.MaxInflightCalls = def.MaxInflightCalls
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	return c
}

// Deps are the Orchestrator's collaborators. Store is required; the rest
// have working defaults.
type Deps struct {
	Store        store.Store
	Actions      providers.ActionProvider
	Intelligence providers.IntelligenceProvider
	Notifier     providers.Notifier
	Audit        audit.Sink
	Tasks        tasks.Queue
	Locker       lease.Locker
	Plans        PlanSource
	Policy       *approval.Policy
	Logger       *slog.Logger
}

// RunResult is the outcome of Run and Resume.
type RunResult struct {
	Success              bool             `json:"success"`
	RunID                string           `json:"runId"`
	Status               schema.RunStatus `json:"status"`
	Output               any              `json:"output,omitempty"`
	StepsCompleted       int              `json:"stepsCompleted"`
	StepsFailed          int              `json:"stepsFailed"`
	StepsSkipped         int              `json:"stepsSkipped"`
	TotalExecutionTimeMs int64            `json:"totalExecutionTimeMs"`
	TotalTokensUsed      int              `json:"totalTokensUsed"`
	PausedOn             string           `json:"pausedOn,omitempty"`
	ErrorMessage         string           `json:"errorMessage,omitempty"`
	CurrentStepID        string           `json:"currentStepId,omitempty"`
}

// activeRun is a run driven by this process.
type activeRun struct {
	paused chan struct{}
	once   sync.Once
}

func (r *activeRun) requestPause() { r.once.Do(func() { close(r.paused) }) }

// claimed is a run this worker holds the lease on and has moved to Running.
// from is the status it was claimed from.
type claimed struct {
	rec   *store.RunRecord
	ectx  *execution.Context
	lease *runLease
	from  schema.RunStatus
}

// persistError marks a checkpoint write failure. The run is left as the
// store has it; this worker stops driving it.
type persistError struct{ err error }

func (e *persistError) Error() string { return "checkpoint: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// Orchestrator runs plans, pauses them on approvals and resumes them.
type Orchestrator struct {
	cfg         Config
	store       store.Store
	runner      *Runner
	approvals   *approval.Coordinator
	checkpoints *checkpoint.Store
	validator   *validation.JSONSchemaValidator
	fsm         *RunFSM
	locker      lease.Locker
	tasks       tasks.Queue
	notifier    providers.Notifier
	pool        *WorkerPool
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

// New wires an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = &providers.LogNotifier{Logger: logger}
	}
	if deps.Tasks == nil {
		deps.Tasks = tasks.Inline{Logger: logger}
	}
	if deps.Locker == nil {
		deps.Locker = lease.NewMemoryLocker()
	}
	if deps.Intelligence == nil {
		deps.Intelligence = providers.Unconfigured{}
	}
	if deps.Actions == nil {
		return nil, errors.New("engine: action provider is required")
	}

	opts := []approval.Option{approval.WithNotifier(deps.Notifier), approval.WithAudit(deps.Audit)}
	if deps.Policy != nil {
		opts = append(opts, approval.WithPolicy(deps.Policy))
	}
	approvals, err := approval.NewCoordinator(deps.Store, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("approval coordinator: %w", err)
	}
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("json schema validator: %w", err)
	}

	conds := conditions.NewEvaluator(logger)
	transforms := transform.New(conds)
	pool := NewWorkerPool(cfg.MaxInflightCalls)

	o := &Orchestrator{
		cfg:         cfg,
		store:       deps.Store,
		approvals:   approvals,
		checkpoints: checkpoint.New(deps.Store, logger),
		validator:   validator,
		fsm:         NewRunFSM(deps.Audit, logger),
		locker:      deps.Locker,
		tasks:       deps.Tasks,
		notifier:    deps.Notifier,
		pool:        pool,
		logger:      logger,
		active:      make(map[string]*activeRun),
	}
	o.runner = &Runner{
		cfg:        cfg,
		parser:     NewParser(conds, transforms),
		conds:      conds,
		transforms: transforms,
		actions:    deps.Actions,
		intel:      deps.Intelligence,
		approvals:  approvals,
		plans:      deps.Plans,
		breakers:   NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		pool:       pool,
		audit:      deps.Audit,
		logger:     logger,
	}
	o.fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusCompleted, o.notifyOwner)
	o.fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusFailed, o.notifyOwner)
	o.fsm.OnAfter(schema.RunStatusPaused, schema.RunStatusFailed, o.notifyOwner)
	approvals.SetResumer(o)
	return o, nil
}

// Approvals returns the approval coordinator.
func (o *Orchestrator) Approvals() *approval.Coordinator { return o.approvals }

// CircuitStats reports the per-plugin circuit breakers.
func (o *Orchestrator) CircuitStats() []CircuitStats { return o.runner.breakers.Stats() }

// PoolMetrics reports the provider call pool.
func (o *Orchestrator) PoolMetrics() PoolMetrics { return o.pool.Metrics() }

// Validate parses plan without running it.
func (o *Orchestrator) Validate(plan *schema.Plan) (*ExecutionPlan, error) {
	if plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan is required")
	}
	return o.runner.parser.ParsePlan(plan.Steps)
}

// Run executes plan for userID. Plan and input validation errors are
// returned before a run record exists; a run that fails is reported in the
// result with a nil error.
func (o *Orchestrator) Run(ctx context.Context, plan *schema.Plan, userID string, inputs map[string]any) (*RunResult, error) {
	exec, err := o.Validate(plan)
	if err != nil {
		return nil, err
	}
	if len(plan.InputSchema) > 0 {
		if err := o.validator.ValidateInput(inputs, plan.InputSchema); err != nil {
			return nil, err
		}
	}

	ectx := execution.New(uuid.NewString(), userID, inputs)
	ectx.PlanID = plan.ID
	ctx = logging.WithRun(ctx, ectx.RunID, userID)

	held, err := o.acquireLease(ctx, ectx.RunID)
	if err != nil {
		return nil, err
	}
	if err := o.checkpoints.Create(ctx, ectx, *plan); err != nil {
		held.release(ctx)
		return nil, err
	}
	if err := o.fsm.Transition(ctx, Transition{
		RunID: ectx.RunID, UserID: userID, To: schema.RunStatusRunning,
		Detail: map[string]any{"plan_id": plan.ID, "steps": len(exec.Order)},
	}); err != nil {
		held.release(ctx)
		return nil, err
	}
	o.logger.InfoContext(ctx, "run started", slog.Int("steps", len(exec.Order)), slog.Int("levels", len(exec.Levels)))
	return o.drive(ctx, plan, exec, ectx, held)
}

// RunStored runs the stored plan planID. Schedules and the CLI start runs
// this way.
func (o *Orchestrator) RunStored(ctx context.Context, planID, userID string, inputs map[string]any) (*RunResult, error) {
	if o.runner.plans == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plan %s: no plan source configured", planID)
	}
	plan, err := o.runner.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.ID == "" {
		plan.ID = planID
	}
	return o.Run(ctx, plan, userID, inputs)
}

// Resume continues a run from its last checkpoint. A paused run can always
// be resumed; a running one only once its driver has let the run lease lapse,
// which is how a run survives the death of the process driving it. Only one
// caller wins: the lease serializes resumers and Claim is a CAS on the record.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*RunResult, error) {
	ctx = logging.WithRunID(ctx, runID)
	c, err := o.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	return o.continueRun(ctx, c)
}

// continueRun drives a claimed run to its next stop.
func (o *Orchestrator) continueRun(ctx context.Context, c *claimed) (*RunResult, error) {
	rec, ectx := c.rec, c.ectx
	ctx = logging.WithRun(ctx, rec.RunID, rec.UserID)

	exec, err := o.runner.parser.ParsePlan(rec.Plan.Steps)
	if err != nil {
		defer c.lease.release(ctx)
		return o.fail(ctx, ectx, schema.RunStatusRunning, err)
	}
	if c.from == schema.RunStatusRunning {
		o.fsm.Recovered(ctx, rec.RunID, rec.UserID, map[string]any{"level": ectx.CurrentLevel})
		o.logger.WarnContext(ctx, "run taken over after its lease lapsed", slog.Int("level", ectx.CurrentLevel))
	} else {
		if err := o.fsm.Transition(ctx, Transition{
			RunID: rec.RunID, UserID: rec.UserID, From: schema.RunStatusPaused, To: schema.RunStatusRunning,
			Detail: map[string]any{"level": ectx.CurrentLevel},
		}); err != nil {
			c.lease.release(ctx)
			return nil, err
		}
		o.logger.InfoContext(ctx, "run resumed", slog.Int("level", ectx.CurrentLevel))
	}
	plan := rec.Plan
	return o.drive(ctx, &plan, exec, ectx, c.lease)
}

// RecoverInterrupted takes over running runs whose driver stopped renewing
// the run lease, normally because its process died. Runs checkpointed within
// the last lease TTL are left alone. Each recovered run continues from its
// last checkpoint in the background; the count of runs taken over is
// returned.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	running := schema.RunStatusRunning
	recs, err := o.store.ListRuns(ctx, store.RunFilter{Status: &running})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, rec := range recs {
		if o.isActive(rec.RunID) || time.Since(rec.UpdatedAt) < o.cfg.LeaseTTL {
			continue
		}
		rctx := logging.WithRunID(context.WithoutCancel(ctx), rec.RunID)
		c, err := o.claim(rctx, rec.RunID)
		if err != nil {
			if !errors.Is(err, schema.ErrConflict) {
				o.logger.WarnContext(rctx, "run recovery failed", slog.String("error", err.Error()))
			}
			continue
		}
		recovered++
		go func() {
			if _, err := o.continueRun(rctx, c); err != nil {
				o.logger.ErrorContext(rctx, "recovered run stopped", slog.String("error", err.Error()))
			}
		}()
	}
	return recovered, nil
}

// ResumeRun resumes runID for the approval coordinator. The resume runs to
// its next stop even if the caller's context ends.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) error {
	_, err := o.Resume(context.WithoutCancel(ctx), runID)
	return err
}

// claim takes the run lease and moves the run to Running. On success the
// caller owns the lease.
func (o *Orchestrator) claim(ctx context.Context, runID string) (*claimed, error) {
	held, err := o.acquireLease(ctx, runID)
	if err != nil {
		return nil, err
	}
	rec, ectx, err := o.checkpoints.LoadForResume(ctx, runID)
	if err != nil {
		held.release(ctx)
		return nil, err
	}
	from := rec.Status
	if err := o.checkpoints.Claim(ctx, rec); err != nil {
		held.release(ctx)
		return nil, err
	}
	return &claimed{rec: rec, ectx: ectx, lease: held, from: from}, nil
}

// drive executes plan levels until the run completes, fails or pauses. It
// owns held and releases whichever lease it holds when it returns.
func (o *Orchestrator) drive(ctx context.Context, plan *schema.Plan, exec *ExecutionPlan, ectx *execution.Context, held *runLease) (*RunResult, error) {
	run := o.activate(ectx.RunID)
	defer o.deactivate(ectx.RunID, run)
	defer func() { held.release(ctx) }()

	mc := plan.MaxConcurrency
	if mc <= 0 {
		mc = o.cfg.MaxConcurrency
	}
	f := &frame{ectx: ectx, maxConcurrency: mc, paused: run.paused, top: true}
	checkpoint := func(ctx context.Context) error {
		if err := held.renew(ctx); err != nil {
			if errors.Is(err, schema.ErrConflict) {
				return &persistError{err: err}
			}
			o.logger.WarnContext(ctx, "run lease renewal failed", slog.String("error", err.Error()))
		}
		if err := o.checkpoints.Checkpoint(ctx, ectx); err != nil {
			return &persistError{err: err}
		}
		o.pickUpPauseRequest(ctx, ectx.RunID, run)
		return nil
	}

	for {
		err := o.runner.runLevels(ctx, f, exec, checkpoint)
		var pause *pauseSignal
		var perr *persistError
		switch {
		case err == nil:
			return o.complete(ctx, plan, exec, ectx)
		case errors.As(err, &perr):
			o.checkpoints.Release(ectx.RunID)
			o.logger.ErrorContext(ctx, "run abandoned after checkpoint failure", slog.String("error", perr.err.Error()))
			return nil, perr.err
		case errors.As(err, &pause):
			res, reclaimed, err := o.pause(ctx, ectx, pause, held)
			if err != nil || reclaimed == nil {
				return res, err
			}
			// The approval resolved while the pause was being written and
			// this worker reclaimed the run.
			held = reclaimed
		default:
			return o.fail(ctx, ectx, schema.RunStatusRunning, err)
		}
	}
}

func (o *Orchestrator) complete(ctx context.Context, plan *schema.Plan, exec *ExecutionPlan, ectx *execution.Context) (*RunResult, error) {
	var output any
	if plan.Output != nil {
		v, err := ectx.ResolveAll(plan.Output)
		if err != nil {
			return o.fail(ctx, ectx, schema.RunStatusRunning, fmt.Errorf("resolve run output: %w", err))
		}
		output = v
	} else {
		output = sinkOutputs(exec, ectx)
	}

	if err := o.checkpoints.Complete(ctx, ectx, output); err != nil {
		return nil, err
	}
	if err := o.fsm.Transition(ctx, Transition{
		RunID: ectx.RunID, UserID: ectx.UserID, From: schema.RunStatusRunning, To: schema.RunStatusCompleted,
		Detail: map[string]any{"completed": len(ectx.Completed()), "failed": len(ectx.Failed()), "skipped": len(ectx.Skipped())},
	}); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "run completed", slog.Int("tokens", ectx.TotalTokensUsed))
	res := o.result(ectx, schema.RunStatusCompleted)
	res.Output = output
	res.CurrentStepID = ""
	return res, nil
}

// fail persists the failure. Only the message leaves the engine.
func (o *Orchestrator) fail(ctx context.Context, ectx *execution.Context, from schema.RunStatus, cause error) (*RunResult, error) {
	stepID := ectx.CurrentStepID
	if oe, ok := schema.AsOrchestratorError(cause); ok && oe.StepID != "" {
		stepID = oe.StepID
	}
	ectx.CurrentStepID = stepID

	if err := o.checkpoints.Fail(ctx, ectx, cause); err != nil {
		return nil, err
	}
	if err := o.fsm.Transition(ctx, Transition{
		RunID: ectx.RunID, UserID: ectx.UserID, From: from, To: schema.RunStatusFailed,
		Detail: map[string]any{"error": cause.Error(), "step_id": stepID},
	}); err != nil {
		return nil, err
	}
	o.logger.WarnContext(ctx, "run failed", slog.String("step_id", stepID), slog.String("error", cause.Error()))

	res := o.result(ectx, schema.RunStatusFailed)
	res.ErrorMessage = truncateMessage(cause.Error())
	return res, nil
}

// pause persists the paused state and gives up held. A non-nil lease in the
// result means this worker reclaimed the run because its approval resolved
// in the meantime.
func (o *Orchestrator) pause(ctx context.Context, ectx *execution.Context, p *pauseSignal, held *runLease) (*RunResult, *runLease, error) {
	ectx.CurrentStepID = p.stepID
	if err := o.checkpoints.Pause(ctx, ectx, p.stepID, p.requestID); err != nil {
		return nil, nil, err
	}
	if err := o.fsm.Transition(ctx, Transition{
		RunID: ectx.RunID, UserID: ectx.UserID, From: schema.RunStatusRunning, To: schema.RunStatusPaused,
		Detail: map[string]any{"step_id": p.stepID, "request_id": p.requestID},
	}); err != nil {
		return nil, nil, err
	}
	o.checkpoints.Release(ectx.RunID)
	held.release(ctx)

	if p.requestID != "" && o.approvalSettled(ctx, ectx.RunID, p.stepID) {
		if c, err := o.claim(ctx, ectx.RunID); err == nil {
			if err := o.fsm.Transition(ctx, Transition{
				RunID: ectx.RunID, UserID: ectx.UserID, From: schema.RunStatusPaused, To: schema.RunStatusRunning,
			}); err != nil {
				c.lease.release(ctx)
				return nil, nil, err
			}
			return nil, c.lease, nil
		}
	}

	o.logger.InfoContext(ctx, "run paused", slog.String("step_id", p.stepID), slog.String("request_id", p.requestID))
	res := o.result(ectx, schema.RunStatusPaused)
	res.PausedOn = p.requestID
	return res, nil, nil
}

// approvalSettled reports whether the latest request for the step is no
// longer waiting on anyone.
func (o *Orchestrator) approvalSettled(ctx context.Context, runID, stepID string) bool {
	reqs, err := o.approvals.List(ctx, store.ApprovalFilter{RunID: runID, StepID: stepID})
	if err != nil || len(reqs) == 0 {
		return false
	}
	switch reqs[len(reqs)-1].Status {
	case schema.ApprovalApproved, schema.ApprovalRejected, schema.ApprovalTimedOut:
		return true
	}
	return false
}

// Pause asks a running run to stop at the next step boundary. A run driven
// by this process stops right away and an in-flight Delay is cut short and
// runs again on resume. For a run driven elsewhere the request is persisted
// and its driver pauses at its next chunk boundary.
func (o *Orchestrator) Pause(ctx context.Context, runID string) error {
	o.mu.Lock()
	run := o.active[runID]
	o.mu.Unlock()
	if run != nil {
		run.requestPause()
		return nil
	}
	return o.store.RequestPause(ctx, runID)
}

// pickUpPauseRequest honours a pause persisted by another process.
func (o *Orchestrator) pickUpPauseRequest(ctx context.Context, runID string, run *activeRun) {
	rec, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.WarnContext(ctx, "pause request check failed", slog.String("error", err.Error()))
		return
	}
	if rec.PauseRequestedAt != nil {
		run.requestPause()
	}
}

// Respond records an approver's decision. A decision that resolves the
// request resumes the run before Respond returns.
func (o *Orchestrator) Respond(ctx context.Context, requestID, approver string, decision schema.Decision, comment string) (*store.ApprovalRequest, error) {
	return o.approvals.Respond(ctx, requestID, approver, decision, comment)
}

// CheckApprovalTimeouts applies the timeout action of every overdue request.
func (o *Orchestrator) CheckApprovalTimeouts(ctx context.Context) (int, error) {
	return o.approvals.CheckTimeouts(ctx, time.Now())
}

// Status returns the persisted run record.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*store.RunRecord, error) {
	return o.checkpoints.Get(ctx, runID)
}

// ListRuns returns run records matching filter.
func (o *Orchestrator) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	return o.store.ListRuns(ctx, filter)
}

// Close waits for in-flight provider calls.
func (o *Orchestrator) Close() {
	o.pool.Shutdown()
}

func (o *Orchestrator) activate(runID string) *activeRun {
	run := &activeRun{paused: make(chan struct{})}
	o.mu.Lock()
	o.active[runID] = run
	o.mu.Unlock()
	return run
}

func (o *Orchestrator) isActive(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[runID] != nil
}

func (o *Orchestrator) deactivate(runID string, run *activeRun) {
	o.mu.Lock()
	if o.active[runID] == run {
		delete(o.active, runID)
	}
	o.mu.Unlock()
}

// notifyOwner queues a message to the run's owner when it finishes.
func (o *Orchestrator) notifyOwner(ctx context.Context, t Transition) error {
	if t.UserID == "" {
		return nil
	}
	subject := fmt.Sprintf("Run %s %s", t.RunID, t.To)
	data := map[string]any{"runId": t.RunID, "status": string(t.To)}
	for k, v := range t.Detail {
		data[k] = v
	}
	return o.tasks.Enqueue(context.WithoutCancel(ctx), tasks.Task{
		Name:  "notify_run_owner",
		RunID: t.RunID,
		Run: func(ctx context.Context) error {
			return o.notifier.Notify(ctx, []string{t.UserID}, subject, "", data)
		},
	})
}

func (o *Orchestrator) result(ectx *execution.Context, status schema.RunStatus) *RunResult {
	return &RunResult{
		Success:              status == schema.RunStatusCompleted,
		RunID:                ectx.RunID,
		Status:               status,
		StepsCompleted:       len(ectx.Completed()),
		StepsFailed:          len(ectx.Failed()),
		StepsSkipped:         len(ectx.Skipped()),
		TotalExecutionTimeMs: time.Since(ectx.StartedAt).Milliseconds(),
		TotalTokensUsed:      ectx.TotalTokensUsed,
		CurrentStepID:        ectx.CurrentStepID,
	}
}

// sinkOutputs returns the data of steps nothing depends on. Steps whose
// data did not survive a resume are left out.
func sinkOutputs(exec *ExecutionPlan, ectx *execution.Context) map[string]any {
	out := make(map[string]any)
	for _, id := range exec.Order {
		if len(exec.Dependents[id]) > 0 {
			continue
		}
		if o, ok := ectx.Output(id); ok && o.Metadata.Success {
			out[id] = o.Data
		}
	}
	return out
}

func truncateMessage(s string) string {
	r := []rune(s)
	if len(r) <= checkpoint.MaxErrorMessage {
		return s
	}
	return string(r[:checkpoint.MaxErrorMessage-3]) + "..."
}
