// Package checkpoint persists run progress after every level so a paused or
// interrupted run can continue from its last consistent point.
package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// MaxErrorMessage bounds the persisted failure message, in runes.
const MaxErrorMessage = 1000

// Store writes run progress with compare-and-swap on the record version. It
// remembers the version it last wrote per run; a write from a worker whose
// view is stale fails with a Conflict error.
type Store struct {
	runs   store.RunStore
	logger *slog.Logger

	mu       sync.Mutex
	versions map[string]int64
}

// New creates a checkpoint store over runs.
func New(runs store.RunStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		runs:     runs,
		logger:   logger,
		versions: make(map[string]int64),
	}
}

// Create inserts the Running record for a new run.
func (s *Store) Create(ctx context.Context, ectx *execution.Context, plan schema.Plan) error {
	rec := &store.RunRecord{
		RunID:          ectx.RunID,
		PlanID:         plan.ID,
		UserID:         ectx.UserID,
		Status:         schema.RunStatusRunning,
		Plan:           plan,
		Inputs:         ectx.Inputs(),
		Variables:      ectx.Variables(),
		Completed:      []string{},
		Failed:         []string{},
		Skipped:        []string{},
		ExecutionTrace: []schema.StepMetadata{},
		Version:        1,
		CreatedAt:      ectx.StartedAt,
	}
	if err := s.runs.CreateRun(ctx, rec); err != nil {
		return err
	}
	s.setVersion(ectx.RunID, rec.Version)
	return nil
}

// Checkpoint persists the lists, counters, trace and variables of a running
// run. Writing the same state twice is harmless.
func (s *Store) Checkpoint(ctx context.Context, ectx *execution.Context) error {
	return s.write(ctx, ectx.RunID, progress(ectx, schema.RunStatusRunning))
}

// Pause persists the run as Paused on stepID, waiting for requestID.
func (s *Store) Pause(ctx context.Context, ectx *execution.Context, stepID, requestID string) error {
	p := progress(ectx, schema.RunStatusPaused)
	p.CurrentStepID = stepID
	p.PausedOn = requestID
	return s.write(ctx, ectx.RunID, p)
}

// Complete persists the final output and marks the run Completed.
func (s *Store) Complete(ctx context.Context, ectx *execution.Context, output any) error {
	p := progress(ectx, schema.RunStatusCompleted)
	p.FinalOutput = output
	p.CurrentStepID = ""
	now := time.Now().UTC()
	p.CompletedAt = &now
	err := s.write(ctx, ectx.RunID, p)
	s.forget(ectx.RunID)
	return err
}

// Fail marks the run Failed. Only the human-readable message is persisted,
// truncated to MaxErrorMessage runes.
func (s *Store) Fail(ctx context.Context, ectx *execution.Context, cause error) error {
	p := progress(ectx, schema.RunStatusFailed)
	if cause != nil {
		p.ErrorMessage = truncate(cause.Error(), MaxErrorMessage)
	}
	now := time.Now().UTC()
	p.CompletedAt = &now
	err := s.write(ctx, ectx.RunID, p)
	s.forget(ectx.RunID)
	return err
}

// Get returns the persisted record.
func (s *Store) Get(ctx context.Context, runID string) (*store.RunRecord, error) {
	return s.runs.GetRun(ctx, runID)
}

// LoadForResume returns the record and a context rebuilt from its last
// checkpoint. Lists and counters are exact; steps that completed before the
// checkpoint have no data.
func (s *Store) LoadForResume(ctx context.Context, runID string) (*store.RunRecord, *execution.Context, error) {
	rec, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	ectx := execution.Restore(rec.RunID, rec.UserID, rec.Inputs, rec.CreatedAt, execution.Snapshot{
		Completed:     rec.Completed,
		Failed:        rec.Failed,
		Skipped:       rec.Skipped,
		Variables:     rec.Variables,
		Trace:         rec.ExecutionTrace,
		TotalTokens:   rec.TotalTokens,
		CurrentLevel:  rec.CurrentLevel,
		CurrentStepID: rec.CurrentStepID,
	})
	ectx.PlanID = rec.PlanID
	return rec, ectx, nil
}

// Claim makes this worker the driver of rec. A Paused run moves to Running;
// a Running run is taken over from a driver whose lease lapsed. Either way
// the claim is a CAS on the version, so one caller wins and the previous
// driver's next checkpoint conflicts.
func (s *Store) Claim(ctx context.Context, rec *store.RunRecord) error {
	if rec.Status != schema.RunStatusPaused && rec.Status != schema.RunStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s and cannot be resumed", rec.RunID, rec.Status)
	}
	p := &store.RunProgress{
		Status:         schema.RunStatusRunning,
		Variables:      rec.Variables,
		CurrentStepID:  rec.CurrentStepID,
		CurrentLevel:   rec.CurrentLevel,
		Completed:      rec.Completed,
		Failed:         rec.Failed,
		Skipped:        rec.Skipped,
		ExecutionTrace: rec.ExecutionTrace,
		TotalTokens:    rec.TotalTokens,
		PausedOn:       rec.PausedOn,
	}
	v, err := s.runs.UpdateRunProgress(ctx, rec.RunID, rec.Version, p)
	if err != nil {
		return err
	}
	rec.Version = v
	rec.Status = schema.RunStatusRunning
	s.setVersion(rec.RunID, v)
	return nil
}

// Release drops the remembered version of a run this worker stops driving.
func (s *Store) Release(runID string) { s.forget(runID) }

func (s *Store) write(ctx context.Context, runID string, p *store.RunProgress) error {
	s.mu.Lock()
	expected, ok := s.versions[runID]
	s.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not owned by this worker", runID)
	}
	v, err := s.runs.UpdateRunProgress(ctx, runID, expected, p)
	if err != nil {
		s.logger.WarnContext(ctx, "checkpoint write failed",
			slog.String("run_id", runID),
			slog.String("status", string(p.Status)),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.setVersion(runID, v)
	return nil
}

func (s *Store) setVersion(runID string, v int64) {
	s.mu.Lock()
	s.versions[runID] = v
	s.mu.Unlock()
}

func (s *Store) forget(runID string) {
	s.mu.Lock()
	delete(s.versions, runID)
	s.mu.Unlock()
}

func progress(ectx *execution.Context, status schema.RunStatus) *store.RunProgress {
	snap := ectx.Snapshot()
	return &store.RunProgress{
		Status:         status,
		Variables:      snap.Variables,
		CurrentStepID:  snap.CurrentStepID,
		CurrentLevel:   snap.CurrentLevel,
		Completed:      snap.Completed,
		Failed:         snap.Failed,
		Skipped:        snap.Skipped,
		ExecutionTrace: snap.Trace,
		TotalTokens:    snap.TotalTokens,
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}
