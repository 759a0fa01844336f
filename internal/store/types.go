package store

import (
	"time"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// RunRecord is the persisted state of a run. It never carries step data: the
// trace holds sanitized metadata only.
type RunRecord struct {
	RunID            string                `json:"run_id"`
	PlanID           string                `json:"plan_id,omitempty"`
	UserID           string                `json:"user_id"`
	Status           schema.RunStatus      `json:"status"`
	Plan             schema.Plan           `json:"plan"`
	Inputs           map[string]any        `json:"inputs,omitempty"`
	Variables        map[string]any        `json:"variables,omitempty"`
	CurrentStepID    string                `json:"current_step_id,omitempty"`
	CurrentLevel     int                   `json:"current_level"`
	Completed        []string              `json:"completed"`
	Failed           []string              `json:"failed"`
	Skipped          []string              `json:"skipped"`
	ExecutionTrace   []schema.StepMetadata `json:"execution_trace"`
	TotalTokens      int                   `json:"total_tokens"`
	FinalOutput      any                   `json:"final_output,omitempty"`
	ErrorMessage     string                `json:"error_message,omitempty"`
	PausedOn         string                `json:"paused_on,omitempty"`
	// PauseRequestedAt is set while a pause asked through the store waits
	// for the run's driver to reach a chunk boundary.
	PauseRequestedAt *time.Time            `json:"pause_requested_at,omitempty"`
	Version          int64                 `json:"version"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

// RunProgress holds the mutable columns of a run written by a checkpoint.
type RunProgress struct {
	Status         schema.RunStatus
	Variables      map[string]any
	CurrentStepID  string
	CurrentLevel   int
	Completed      []string
	Failed         []string
	Skipped        []string
	ExecutionTrace []schema.StepMetadata
	TotalTokens    int
	FinalOutput    any
	ErrorMessage   string
	PausedOn       string
	CompletedAt    *time.Time
}

// ApprovalResponse is one approver's answer.
type ApprovalResponse struct {
	Approver string          `json:"approver"`
	Decision schema.Decision `json:"decision"`
	Comment  string          `json:"comment,omitempty"`
	At       time.Time       `json:"at"`
}

// ApprovalRequest is a human gate awaiting responses.
type ApprovalRequest struct {
	ID              string                `json:"id"`
	RunID           string                `json:"run_id"`
	StepID          string                `json:"step_id"`
	Title           string                `json:"title,omitempty"`
	Message         string                `json:"message,omitempty"`
	Approvers       []string              `json:"approvers"`
	Mode            schema.ApprovalMode   `json:"mode"`
	OnTimeout       schema.TimeoutAction  `json:"on_timeout"`
	EscalateTo      []string              `json:"escalate_to,omitempty"`
	Status          schema.ApprovalStatus `json:"status"`
	Responses       []ApprovalResponse    `json:"responses"`
	EscalationLevel int                   `json:"escalation_level"`
	ParentRequestID string                `json:"parent_request_id,omitempty"`
	TimeoutMs       int64                 `json:"timeout_ms"`
	Version         int64                 `json:"version"`
	CreatedAt       time.Time             `json:"created_at"`
	TimeoutAt       time.Time             `json:"timeout_at"`
	ResolvedAt      *time.Time            `json:"resolved_at,omitempty"`
}

// HasResponded reports whether approver already answered this request.
func (r *ApprovalRequest) HasResponded(approver string) bool {
	for _, resp := range r.Responses {
		if resp.Approver == approver {
			return true
		}
	}
	return false
}

// PlanRecord is a stored plan addressable by id from sub-workflows and
// schedules.
type PlanRecord struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Plan      schema.Plan `json:"plan"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Schedule runs a stored plan on a cron expression.
type Schedule struct {
	ID             string         `json:"id"`
	PlanID         string         `json:"plan_id"`
	CronExpression string         `json:"cron_expression"`
	UserID         string         `json:"user_id"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	UserID string            `json:"user_id,omitempty"`
	PlanID string            `json:"plan_id,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// ApprovalFilter specifies criteria for listing approval requests.
type ApprovalFilter struct {
	RunID     string                 `json:"run_id,omitempty"`
	StepID    string                 `json:"step_id,omitempty"`
	Status    *schema.ApprovalStatus `json:"status,omitempty"`
	DueBefore *time.Time             `json:"due_before,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunID     *string    `json:"last_run_id,omitempty"`
	LastRunStatus *string    `json:"last_run_status,omitempty"`
}
