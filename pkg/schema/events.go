package schema

import "time"

// Audit event types.
const (
	EventRunStarted   = "run_started"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"
	EventRunRecovered = "run_recovered"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepFallback  = "step_fallback"

	EventLoopIteration = "loop_iteration"

	EventApprovalRequested = "approval_requested"
	EventApprovalResponded = "approval_responded"
	EventApprovalResolved  = "approval_resolved"
	EventApprovalEscalated = "approval_escalated"
	EventApprovalTimedOut  = "approval_timed_out"

	EventCircuitOpen = "circuit_open"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalEscalated ApprovalStatus = "escalated"
	ApprovalTimedOut  ApprovalStatus = "timed_out"
)

// Decision is an approver's answer.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// StepMetadata is the sanitized, persistable part of a step's output. It must
// never carry step data.
type StepMetadata struct {
	StepID     string    `json:"stepId"`
	Success    bool      `json:"success"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Attempts   int       `json:"attempts,omitempty"`
	ItemCount  *int      `json:"itemCount,omitempty"`
	TokensUsed int       `json:"tokensUsed,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
	Fallback   bool      `json:"fallback,omitempty"`
}
