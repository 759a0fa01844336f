package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// MemoryStore is an in-process Store. Records are copied on every read and
// write so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*RunRecord
	approvals map[string]*ApprovalRequest
	plans     map[string]*PlanRecord
	schedules map[string]*Schedule
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*RunRecord),
		approvals: make(map[string]*ApprovalRequest),
		plans:     make(map[string]*PlanRecord),
		schedules: make(map[string]*Schedule),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, rec *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.RunID]; ok {
		return storeError("create run", fmt.Errorf("UNIQUE constraint failed: runs.run_id"))
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt
	cp, err := clone(rec)
	if err != nil {
		return err
	}
	m.runs[rec.RunID] = cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, storeNotFound("run", runID)
	}
	return clone(rec)
}

func (m *MemoryStore) UpdateRunProgress(_ context.Context, runID string, expectedVersion int64, p *RunProgress) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return 0, storeNotFound("run", runID)
	}
	if rec.Version != expectedVersion {
		return 0, versionConflict("run", runID, expectedVersion)
	}
	progress, err := clone(p)
	if err != nil {
		return 0, err
	}
	rec.Status = progress.Status
	rec.Variables = progress.Variables
	rec.CurrentStepID = progress.CurrentStepID
	rec.CurrentLevel = progress.CurrentLevel
	rec.Completed = orEmptyList(progress.Completed)
	rec.Failed = orEmptyList(progress.Failed)
	rec.Skipped = orEmptyList(progress.Skipped)
	rec.ExecutionTrace = orEmptyTrace(progress.ExecutionTrace)
	rec.TotalTokens = progress.TotalTokens
	rec.FinalOutput = progress.FinalOutput
	rec.ErrorMessage = progress.ErrorMessage
	rec.PausedOn = progress.PausedOn
	rec.CompletedAt = progress.CompletedAt
	if rec.Status != schema.RunStatusRunning {
		rec.PauseRequestedAt = nil
	}
	rec.UpdatedAt = time.Now().UTC()
	rec.Version++
	return rec.Version, nil
}

func (m *MemoryStore) RequestPause(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return storeNotFound("run", runID)
	}
	if rec.Status != schema.RunStatusRunning {
		return notRunning(rec)
	}
	now := time.Now().UTC()
	rec.PauseRequestedAt = &now
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunRecord
	for _, rec := range m.runs {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.PlanID != "" && rec.PlanID != filter.PlanID {
			continue
		}
		cp, err := clone(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return window(out, filter.Limit, filter.Offset), nil
}

// --- Approval requests ---

func (m *MemoryStore) CreateApproval(_ context.Context, req *ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[req.ID]; ok {
		return storeError("create approval", fmt.Errorf("UNIQUE constraint failed: approval_requests.id"))
	}
	if _, ok := m.runs[req.RunID]; !ok {
		return storeNotFound("run", req.RunID)
	}
	if req.Version == 0 {
		req.Version = 1
	}
	req.CreatedAt = timeOrNow(req.CreatedAt)
	cp, err := clone(req)
	if err != nil {
		return err
	}
	m.approvals[req.ID] = cp
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.approvals[id]
	if !ok {
		return nil, storeNotFound("approval request", id)
	}
	return clone(req)
}

func (m *MemoryStore) UpdateApproval(_ context.Context, req *ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.approvals[req.ID]
	if !ok {
		return storeNotFound("approval request", req.ID)
	}
	if cur.Version != req.Version {
		return versionConflict("approval request", req.ID, req.Version)
	}
	cp, err := clone(req)
	if err != nil {
		return err
	}
	cp.Version++
	m.approvals[req.ID] = cp
	req.Version++
	return nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ApprovalRequest
	for _, req := range m.approvals {
		if filter.RunID != "" && req.RunID != filter.RunID {
			continue
		}
		if filter.StepID != "" && req.StepID != filter.StepID {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		if filter.DueBefore != nil && req.TimeoutAt.After(*filter.DueBefore) {
			continue
		}
		cp, err := clone(req)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].EscalationLevel < out[j].EscalationLevel
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return window(out, filter.Limit, 0), nil
}

// --- Plans ---

func (m *MemoryStore) SavePlan(_ context.Context, rec *PlanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.plans[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = time.Now().UTC()
	cp, err := clone(rec)
	if err != nil {
		return err
	}
	m.plans[rec.ID] = cp
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*PlanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.plans[id]
	if !ok {
		return nil, storeNotFound("plan", id)
	}
	return clone(rec)
}

func (m *MemoryStore) ListPlans(context.Context) ([]*PlanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PlanRecord, 0, len(m.plans))
	for _, rec := range m.plans {
		cp, err := clone(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeletePlan(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[id]; !ok {
		return storeNotFound("plan", id)
	}
	delete(m.plans, id)
	return nil
}

// --- Schedules ---

func (m *MemoryStore) CreateSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return storeError("create schedule", fmt.Errorf("UNIQUE constraint failed: schedules.id"))
	}
	if _, ok := m.plans[s.PlanID]; !ok {
		return storeNotFound("plan", s.PlanID)
	}
	s.CreatedAt = timeOrNow(s.CreatedAt)
	cp, err := clone(s)
	if err != nil {
		return err
	}
	m.schedules[s.ID] = cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	return clone(s)
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := update.LastRunAt.UTC()
		s.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := update.NextRunAt.UTC()
		s.NextRunAt = &t
	}
	if update.LastRunID != nil {
		s.LastRunID = *update.LastRunID
	}
	if update.LastRunStatus != nil {
		s.LastRunStatus = *update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, enabledOnly bool) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Schedule
	for _, s := range m.schedules {
		if enabledOnly && !s.Enabled {
			continue
		}
		cp, err := clone(s)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(m.schedules, id)
	return nil
}

// clone deep-copies v through its JSON form, the same representation the SQL
// store persists.
func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

func window[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
