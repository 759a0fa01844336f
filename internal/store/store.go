// Package store persists runs, approval requests, stored plans and schedules.
package store

import "context"

// RunStore persists run records. Progress writes are compare-and-swap on the
// record version.
type RunStore interface {
	CreateRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	// UpdateRunProgress writes p when the stored version equals expectedVersion
	// and returns the new version. A mismatch returns a Conflict error.
	UpdateRunProgress(ctx context.Context, runID string, expectedVersion int64, p *RunProgress) (int64, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	// RequestPause flags a running run for pausing without touching its
	// version. Writing any status other than running clears the flag.
	RequestPause(ctx context.Context, runID string) error
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, req *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	// UpdateApproval writes req when the stored version equals req.Version and
	// increments req.Version on success.
	UpdateApproval(ctx context.Context, req *ApprovalRequest) error
	// ListApprovals returns matching requests, oldest first.
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error)
}

// PlanStore persists stored plans.
type PlanStore interface {
	SavePlan(ctx context.Context, rec *PlanRecord) error
	GetPlan(ctx context.Context, id string) (*PlanRecord, error)
	ListPlans(ctx context.Context) ([]*PlanRecord, error)
	DeletePlan(ctx context.Context, id string) error
}

// ScheduleStore persists cron schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	RunStore
	ApprovalStore
	PlanStore
	ScheduleStore

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
