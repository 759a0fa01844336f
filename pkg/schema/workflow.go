package schema

import (
	"encoding/json"
	"fmt"
)

// Plan is the authored document: a flat list of steps plus run-level settings.
type Plan struct {
	ID             string           `json:"id,omitempty"`
	Name           string           `json:"name,omitempty"`
	Description    string           `json:"description,omitempty"`
	Steps          []StepDefinition `json:"steps"`
	MaxConcurrency int              `json:"maxConcurrency,omitempty"`
	InputSchema    map[string]any   `json:"inputSchema,omitempty"`
	Output         any              `json:"output,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// StepKind tags the variant carried by a StepDefinition.
type StepKind string

const (
	KindAction        StepKind = "action"
	KindDecision      StepKind = "decision"
	KindTransform     StepKind = "transform"
	KindDelay         StepKind = "delay"
	KindConditional   StepKind = "conditional"
	KindLoop          StepKind = "loop"
	KindSubWorkflow   StepKind = "sub_workflow"
	KindApproval      StepKind = "approval"
	KindParallelGroup StepKind = "parallel_group"
)

// RetryPolicy configures retries for a step. Delay before retry n (from 0) is
// BaseDelay * BackoffMultiplier^n.
type RetryPolicy struct {
	MaxRetries        int          `json:"maxRetries"`
	BaseDelay         Duration     `json:"baseDelay,omitempty"`
	BackoffMultiplier float64      `json:"backoffMultiplier,omitempty"`
	MaxDelay          Duration     `json:"maxDelay,omitempty"`
	RetryableKinds    []ErrorClass `json:"retryableKinds,omitempty"`
}

// StepDefinition is the immutable, author-provided step. Common fields live on
// the struct; kind-specific fields live in Body, whose dynamic type matches Kind.
type StepDefinition struct {
	ID              string           `json:"id"`
	Kind            StepKind         `json:"kind"`
	Dependencies    []string         `json:"dependencies,omitempty"`
	Params          map[string]any   `json:"params,omitempty"`
	ExecuteIf       *Condition       `json:"executeIf,omitempty"`
	RetryPolicy     *RetryPolicy     `json:"retryPolicy,omitempty"`
	FallbackSteps   []StepDefinition `json:"fallbackSteps,omitempty"`
	ContinueOnError bool             `json:"continueOnError,omitempty"`
	Timeout         Duration         `json:"timeout,omitempty"`

	Body StepBody `json:"-"`
}

// StepBody is implemented by the per-kind variants.
type StepBody interface {
	Kind() StepKind
	validate(stepID string) error
}

type ActionStep struct {
	Plugin string `json:"plugin"`
	Action string `json:"action"`
}

// ModelHint is an opaque routing signal forwarded to the intelligence provider.
type ModelHint struct {
	Complexity float64 `json:"complexity,omitempty"`
	Quality    float64 `json:"quality,omitempty"`
	Model      string  `json:"model,omitempty"`
}

type DecisionStep struct {
	Prompt      string     `json:"prompt"`
	Options     []string   `json:"options,omitempty"`
	Hint        *ModelHint `json:"hint,omitempty"`
	TokenBudget int        `json:"tokenBudget,omitempty"`
}

// TransformOp is a pure data operation.
type TransformOp string

const (
	TransformMap    TransformOp = "map"
	TransformFilter TransformOp = "filter"
	TransformReduce TransformOp = "reduce"
	TransformSort   TransformOp = "sort"
	TransformGroup  TransformOp = "group"
	TransformJQ     TransformOp = "jq"
)

type TransformStep struct {
	Operation      TransformOp `json:"operation"`
	Input          string      `json:"input"`
	Expression     string      `json:"expression,omitempty"`
	Condition      *Condition  `json:"condition,omitempty"`
	Initial        any         `json:"initial,omitempty"`
	Descending     bool        `json:"descending,omitempty"`
	OutputVariable string      `json:"outputVariable,omitempty"`
}

type DelayStep struct {
	Duration any `json:"duration"`
}

type ConditionalStep struct {
	Condition *Condition `json:"condition"`
}

type LoopStep struct {
	Over          string           `json:"over"`
	Steps         []StepDefinition `json:"steps"`
	MaxIterations int              `json:"maxIterations,omitempty"`
	ItemVariable  string           `json:"itemVariable,omitempty"`
}

// SubWorkflowErrorMode controls how a failed nested run surfaces to the parent.
type SubWorkflowErrorMode string

const (
	OnErrorThrow       SubWorkflowErrorMode = "throw"
	OnErrorContinue    SubWorkflowErrorMode = "continue"
	OnErrorReturnError SubWorkflowErrorMode = "return_error"
)

type SubWorkflowStep struct {
	Steps          []StepDefinition     `json:"steps,omitempty"`
	PlanRef        string               `json:"planRef,omitempty"`
	InheritContext bool                 `json:"inheritContext,omitempty"`
	Inputs         map[string]any       `json:"inputs,omitempty"`
	OutputMapping  map[string]string    `json:"outputMapping,omitempty"`
	OnError        SubWorkflowErrorMode `json:"onError,omitempty"`
}

// ApprovalMode decides how multiple responses combine.
type ApprovalMode string

const (
	ApprovalAny ApprovalMode = "any"
	ApprovalAll ApprovalMode = "all"
)

// TimeoutAction is applied when an approval request expires.
type TimeoutAction string

const (
	TimeoutEscalate TimeoutAction = "escalate"
	TimeoutReject   TimeoutAction = "reject"
	TimeoutApprove  TimeoutAction = "approve"
)

// RejectAction decides what a rejected approval fails.
type RejectAction string

const (
	RejectFailRun    RejectAction = "fail_run"
	RejectFailBranch RejectAction = "fail_branch"
)

type ApprovalStep struct {
	Approvers    []string      `json:"approvers"`
	ApprovalMode ApprovalMode  `json:"approvalMode,omitempty"`
	OnTimeout    TimeoutAction `json:"onTimeout,omitempty"`
	EscalateTo   []string      `json:"escalateTo,omitempty"`
	OnReject     RejectAction  `json:"onReject,omitempty"`
	Title        string        `json:"title,omitempty"`
	Message      string        `json:"message,omitempty"`
}

type ParallelGroupStep struct {
	Steps          []StepDefinition `json:"steps"`
	MaxConcurrency int              `json:"maxConcurrency,omitempty"`
}

func (*ActionStep) Kind() StepKind        { return KindAction }
func (*DecisionStep) Kind() StepKind      { return KindDecision }
func (*TransformStep) Kind() StepKind     { return KindTransform }
func (*DelayStep) Kind() StepKind         { return KindDelay }
func (*ConditionalStep) Kind() StepKind   { return KindConditional }
func (*LoopStep) Kind() StepKind          { return KindLoop }
func (*SubWorkflowStep) Kind() StepKind   { return KindSubWorkflow }
func (*ApprovalStep) Kind() StepKind      { return KindApproval }
func (*ParallelGroupStep) Kind() StepKind { return KindParallelGroup }

func (b *ActionStep) validate(id string) error {
	if b.Plugin == "" || b.Action == "" {
		return NewErrorf(ErrCodeValidation, "action step requires plugin and action").WithStep(id)
	}
	return nil
}

func (b *DecisionStep) validate(id string) error {
	if b.Prompt == "" {
		return NewError(ErrCodeValidation, "decision step requires prompt").WithStep(id)
	}
	if b.TokenBudget < 0 {
		return NewError(ErrCodeValidation, "tokenBudget must be >= 0").WithStep(id)
	}
	return nil
}

func (b *TransformStep) validate(id string) error {
	if b.Input == "" {
		return NewError(ErrCodeValidation, "transform step requires input").WithStep(id)
	}
	switch b.Operation {
	case TransformMap, TransformReduce, TransformGroup, TransformJQ:
		if b.Expression == "" {
			return NewErrorf(ErrCodeValidation, "transform %s requires expression", b.Operation).WithStep(id)
		}
	case TransformFilter:
		if b.Condition == nil {
			return NewError(ErrCodeValidation, "transform filter requires condition").WithStep(id)
		}
		if err := b.Condition.Validate(); err != nil {
			return withStepID(err, id)
		}
	case TransformSort:
	default:
		return NewErrorf(ErrCodeValidation, "unknown transform operation %q", b.Operation).WithStep(id)
	}
	return nil
}

func (b *DelayStep) validate(id string) error {
	if b.Duration == nil {
		return NewError(ErrCodeValidation, "delay step requires duration").WithStep(id)
	}
	if s, ok := b.Duration.(string); ok && isReference(s) {
		return nil
	}
	if _, err := ParseDuration(b.Duration); err != nil {
		return NewErrorf(ErrCodeValidation, "delay step: %s", err.Error()).WithStep(id)
	}
	return nil
}

func (b *ConditionalStep) validate(id string) error {
	if b.Condition == nil {
		return NewError(ErrCodeValidation, "conditional step requires condition").WithStep(id)
	}
	return withStepID(b.Condition.Validate(), id)
}

func (b *LoopStep) validate(id string) error {
	if b.Over == "" {
		return NewError(ErrCodeValidation, "loop step requires over").WithStep(id)
	}
	if len(b.Steps) == 0 {
		return NewError(ErrCodeValidation, "loop step requires at least one nested step").WithStep(id)
	}
	if b.MaxIterations < 0 {
		return NewError(ErrCodeValidation, "maxIterations must be >= 0").WithStep(id)
	}
	return nil
}

func (b *SubWorkflowStep) validate(id string) error {
	if (len(b.Steps) == 0) == (b.PlanRef == "") {
		return NewError(ErrCodeValidation, "sub_workflow step requires exactly one of steps or planRef").WithStep(id)
	}
	switch b.OnError {
	case "", OnErrorThrow, OnErrorContinue, OnErrorReturnError:
	default:
		return NewErrorf(ErrCodeValidation, "unknown onError %q", b.OnError).WithStep(id)
	}
	return nil
}

func (b *ApprovalStep) validate(id string) error {
	if len(b.Approvers) == 0 {
		return NewError(ErrCodeValidation, "approval step requires at least one approver").WithStep(id)
	}
	switch b.ApprovalMode {
	case "", ApprovalAny, ApprovalAll:
	default:
		return NewErrorf(ErrCodeValidation, "unknown approvalMode %q", b.ApprovalMode).WithStep(id)
	}
	switch b.OnTimeout {
	case "", TimeoutEscalate, TimeoutReject, TimeoutApprove:
	default:
		return NewErrorf(ErrCodeValidation, "unknown onTimeout %q", b.OnTimeout).WithStep(id)
	}
	switch b.OnReject {
	case "", RejectFailRun, RejectFailBranch:
	default:
		return NewErrorf(ErrCodeValidation, "unknown onReject %q", b.OnReject).WithStep(id)
	}
	return nil
}

func (b *ParallelGroupStep) validate(id string) error {
	if len(b.Steps) == 0 {
		return NewError(ErrCodeValidation, "parallel_group step requires at least one nested step").WithStep(id)
	}
	if b.MaxConcurrency < 0 {
		return NewError(ErrCodeValidation, "maxConcurrency must be >= 0").WithStep(id)
	}
	return nil
}

// Mode returns the approval mode, defaulting to Any.
func (b *ApprovalStep) Mode() ApprovalMode {
	if b.ApprovalMode == "" {
		return ApprovalAny
	}
	return b.ApprovalMode
}

// TimeoutAction returns the timeout action, defaulting to Reject.
func (b *ApprovalStep) TimeoutAction() TimeoutAction {
	if b.OnTimeout == "" {
		return TimeoutReject
	}
	return b.OnTimeout
}

// RejectAction returns the reject action, defaulting to failing the run.
func (b *ApprovalStep) RejectAction() RejectAction {
	if b.OnReject == "" {
		return RejectFailRun
	}
	return b.OnReject
}

// ErrorMode returns the sub-workflow error mode, defaulting to throw.
func (b *SubWorkflowStep) ErrorMode() SubWorkflowErrorMode {
	if b.OnError == "" {
		return OnErrorThrow
	}
	return b.OnError
}

// NestedSteps returns the child steps declared by wrapper kinds, or nil.
func (s *StepDefinition) NestedSteps() []StepDefinition {
	switch b := s.Body.(type) {
	case *LoopStep:
		return b.Steps
	case *ParallelGroupStep:
		return b.Steps
	case *SubWorkflowStep:
		return b.Steps
	}
	return nil
}

// Validate checks the envelope, the body and the fallback steps.
func (s *StepDefinition) Validate() error {
	if s.ID == "" {
		return NewError(ErrCodeValidation, "step id is required")
	}
	if s.Body == nil {
		return NewErrorf(ErrCodeValidation, "step has no %q body", s.Kind).WithStep(s.ID)
	}
	if s.Body.Kind() != s.Kind {
		return NewErrorf(ErrCodeValidation, "step kind %q does not match body %q", s.Kind, s.Body.Kind()).WithStep(s.ID)
	}
	if err := s.Body.validate(s.ID); err != nil {
		return err
	}
	if s.ExecuteIf != nil {
		if err := s.ExecuteIf.Validate(); err != nil {
			return withStepID(err, s.ID)
		}
	}
	if p := s.RetryPolicy; p != nil {
		if p.MaxRetries < 0 {
			return NewError(ErrCodeValidation, "retryPolicy.maxRetries must be >= 0").WithStep(s.ID)
		}
		if p.BackoffMultiplier < 0 {
			return NewError(ErrCodeValidation, "retryPolicy.backoffMultiplier must be >= 0").WithStep(s.ID)
		}
	}
	if s.Kind == KindApproval && len(s.FallbackSteps) > 0 {
		return NewError(ErrCodeValidation, "approval steps cannot declare fallbackSteps").WithStep(s.ID)
	}
	for i := range s.FallbackSteps {
		if err := s.FallbackSteps[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// stepEnvelope mirrors StepDefinition without the custom codec.
type stepEnvelope struct {
	ID              string           `json:"id"`
	Kind            StepKind         `json:"kind"`
	Dependencies    []string         `json:"dependencies,omitempty"`
	Params          map[string]any   `json:"params,omitempty"`
	ExecuteIf       *Condition       `json:"executeIf,omitempty"`
	RetryPolicy     *RetryPolicy     `json:"retryPolicy,omitempty"`
	FallbackSteps   []StepDefinition `json:"fallbackSteps,omitempty"`
	ContinueOnError bool             `json:"continueOnError,omitempty"`
	Timeout         Duration         `json:"timeout,omitempty"`
}

// UnmarshalJSON decodes the flat wire shape: envelope fields and kind fields
// side by side in one object. Required fields are checked per kind.
func (s *StepDefinition) UnmarshalJSON(data []byte) error {
	var env stepEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("step: %w", err)
	}
	if env.ID == "" {
		return NewError(ErrCodeValidation, "step id is required")
	}
	if env.Kind == "" {
		return NewError(ErrCodeValidation, "step kind is required").WithStep(env.ID)
	}
	body, err := newBody(env.Kind)
	if err != nil {
		return err.WithStep(env.ID)
	}
	if err := json.Unmarshal(data, body); err != nil {
		return NewErrorf(ErrCodeValidation, "decode %s body: %s", env.Kind, err.Error()).WithStep(env.ID).WithCause(err)
	}
	executeIf, gateErr := gateCondition(data, &env)
	if gateErr != nil {
		return gateErr
	}

	*s = StepDefinition{
		ID:              env.ID,
		Kind:            env.Kind,
		Dependencies:    env.Dependencies,
		Params:          env.Params,
		ExecuteIf:       executeIf,
		RetryPolicy:     env.RetryPolicy,
		FallbackSteps:   env.FallbackSteps,
		ContinueOnError: env.ContinueOnError,
		Timeout:         env.Timeout,
		Body:            body,
	}
	if s.Dependencies == nil {
		s.Dependencies = []string{}
	}
	return s.Body.validate(s.ID)
}

// gateCondition returns the step's executeIf. On kinds whose body has no
// condition of its own, "condition" is accepted as another name for it.
func gateCondition(data []byte, env *stepEnvelope) (*Condition, error) {
	if env.Kind == KindConditional || env.Kind == KindTransform {
		return env.ExecuteIf, nil
	}
	var alias struct {
		Condition *Condition `json:"condition"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode condition: %s", err.Error()).WithStep(env.ID).WithCause(err)
	}
	if alias.Condition == nil {
		return env.ExecuteIf, nil
	}
	if env.ExecuteIf != nil {
		return nil, NewErrorf(ErrCodeValidation, "%s steps take condition or executeIf, not both", env.Kind).WithStep(env.ID)
	}
	return alias.Condition, nil
}

// MarshalJSON writes the flat wire shape back out.
func (s StepDefinition) MarshalJSON() ([]byte, error) {
	env, err := json.Marshal(stepEnvelope{
		ID:              s.ID,
		Kind:            s.Kind,
		Dependencies:    s.Dependencies,
		Params:          s.Params,
		ExecuteIf:       s.ExecuteIf,
		RetryPolicy:     s.RetryPolicy,
		FallbackSteps:   s.FallbackSteps,
		ContinueOnError: s.ContinueOnError,
		Timeout:         s.Timeout,
	})
	if err != nil || s.Body == nil {
		return env, err
	}
	body, err := json.Marshal(s.Body)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	var envFields map[string]json.RawMessage
	if err := json.Unmarshal(env, &envFields); err != nil {
		return nil, err
	}
	for k, v := range envFields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func newBody(kind StepKind) (StepBody, *OrchestratorError) {
	switch kind {
	case KindAction:
		return &ActionStep{}, nil
	case KindDecision:
		return &DecisionStep{}, nil
	case KindTransform:
		return &TransformStep{}, nil
	case KindDelay:
		return &DelayStep{}, nil
	case KindConditional:
		return &ConditionalStep{}, nil
	case KindLoop:
		return &LoopStep{}, nil
	case KindSubWorkflow:
		return &SubWorkflowStep{}, nil
	case KindApproval:
		return &ApprovalStep{}, nil
	case KindParallelGroup:
		return &ParallelGroupStep{}, nil
	}
	return nil, NewErrorf(ErrCodeValidation, "unknown step kind %q", kind)
}

func withStepID(err error, id string) error {
	if err == nil {
		return nil
	}
	if oe, ok := AsOrchestratorError(err); ok && oe.StepID == "" {
		oe.StepID = id
	}
	return err
}

func isReference(s string) bool {
	return len(s) > 4 && s[:2] == "{{" && s[len(s)-2:] == "}}"
}
