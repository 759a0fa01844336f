// Package scheduler starts stored plans on cron schedules, sweeps overdue
// approval requests and takes over runs whose worker died.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentspilot/orchestrator/internal/engine"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// PlanRunner runs a stored plan. Satisfied by *engine.Orchestrator.
type PlanRunner interface {
	RunStored(ctx context.Context, planID, userID string, inputs map[string]any) (*engine.RunResult, error)
}

// Sweeper applies approval timeouts and recovers interrupted runs. Satisfied
// by *engine.Orchestrator.
type Sweeper interface {
	CheckApprovalTimeouts(ctx context.Context) (int, error)
	RecoverInterrupted(ctx context.Context) (int, error)
}

// Config tunes the background loop.
type Config struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{TickInterval: time.Minute, SweepInterval: 30 * time.Second}
}

// Scheduler polls the store for due schedules and runs them.
type Scheduler struct {
	store   store.ScheduleStore
	runner  PlanRunner
	sweeper Sweeper
	cfg     Config
	parser  cron.Parser
	logger  *slog.Logger
	now     func() time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing
}

// NewScheduler creates a Scheduler. sweeper may be nil.
func NewScheduler(s store.ScheduleStore, runner PlanRunner, sweeper Sweeper, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		sweeper:  sweeper,
		cfg:      cfg,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started",
		slog.Duration("tick", s.cfg.TickInterval),
		slog.Duration("sweep", s.cfg.SweepInterval),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	sweeper := time.NewTicker(s.cfg.SweepInterval)
	defer sweeper.Stop()

	s.tick(ctx)
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-sweeper.C:
			s.sweep(ctx)
		}
	}
}

// tick runs every enabled schedule that is due.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, sch := range due {
		if sch.NextRunAt != nil && sch.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sch.ID) {
			continue
		}
		if err := s.runSchedule(ctx, sch, now); err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sch.ID)
	}
}

// sweep applies overdue approval timeouts and takes over runs whose lease
// lapsed.
func (s *Scheduler) sweep(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	n, err := s.sweeper.CheckApprovalTimeouts(ctx)
	if err != nil {
		s.logger.Error("approval sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("approval timeouts applied", slog.Int("count", n))
	}

	n, err = s.sweeper.RecoverInterrupted(ctx)
	if err != nil {
		s.logger.Error("run recovery sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("interrupted runs recovered", slog.Int("count", n))
	}
}

// runSchedule starts one run of the schedule's plan and records the outcome.
func (s *Scheduler) runSchedule(ctx context.Context, sch *store.Schedule, now time.Time) error {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sch.ID),
		slog.String("plan_id", sch.PlanID),
	)

	var runID string
	status := "error"
	res, err := s.runner.RunStored(ctx, sch.PlanID, sch.UserID, sch.Inputs)
	if err != nil {
		s.logger.Error("scheduled run failed to start",
			slog.String("schedule_id", sch.ID),
			slog.String("error", err.Error()),
		)
	} else {
		runID, status = res.RunID, string(res.Status)
	}
	return s.record(ctx, sch, now, runID, status)
}

func (s *Scheduler) record(ctx context.Context, sch *store.Schedule, now time.Time, runID, status string) error {
	next, err := s.NextRun(sch.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sch.ID, err)
	}
	update := store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: &status,
	}
	if runID != "" {
		update.LastRunID = &runID
	}
	return s.store.UpdateSchedule(ctx, sch.ID, update)
}

// Create validates the cron expression and stores a new enabled schedule.
func (s *Scheduler) Create(ctx context.Context, planID, cronExpr, userID string, inputs map[string]any) (*store.Schedule, error) {
	if planID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule requires a plan id")
	}
	now := s.now()
	next, err := s.NextRun(cronExpr, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	sch := &store.Schedule{
		ID:             uuid.NewString(),
		PlanID:         planID,
		CronExpression: cronExpr,
		UserID:         userID,
		Inputs:         inputs,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateSchedule(ctx, sch); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created",
		slog.String("schedule_id", sch.ID),
		slog.String("plan_id", planID),
		slog.Time("next_run_at", next),
	)
	return sch, nil
}

// SetEnabled turns a schedule on or off. Enabling recomputes the next run.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	update := store.ScheduleUpdate{Enabled: &enabled}
	if enabled {
		sch, err := s.store.GetSchedule(ctx, id)
		if err != nil {
			return err
		}
		next, err := s.NextRun(sch.CronExpression, s.now())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateSchedule(ctx, id, update)
}

// List returns every schedule.
func (s *Scheduler) List(ctx context.Context) ([]*store.Schedule, error) {
	return s.store.ListSchedules(ctx, false)
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextRun computes the next run time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the loop and waits for the current tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs, once, every schedule whose next run passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, sch := range schedules {
		if sch.NextRunAt == nil || !sch.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sch.ID) {
			continue
		}
		err := s.runSchedule(ctx, sch, now)
		s.release(sch.ID)
		if err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
