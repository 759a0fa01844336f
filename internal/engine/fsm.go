package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentspilot/orchestrator/internal/audit"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// TransitionHook is called before or after a run state transition.
type TransitionHook func(ctx context.Context, t Transition) error

// Transition describes one run state change. From is empty when a run is
// created.
type Transition struct {
	RunID  string
	UserID string
	From   schema.RunStatus
	To     schema.RunStatus
	Detail map[string]any
}

type hookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run lifecycle transitions and records each one to the
// audit sink. The caller persists the new status.
type RunFSM struct {
	mu     sync.RWMutex
	sink   audit.Sink
	logger *slog.Logger
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that records transitions to sink.
func NewRunFSM(sink audit.Sink, logger *slog.Logger) *RunFSM {
	if sink == nil {
		sink = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunFSM{
		sink:   sink,
		logger: logger,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error
// aborts the transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition. Hook errors are
// logged.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates t, runs the hooks and records the audit entry.
func (f *RunFSM) Transition(ctx context.Context, t Transition) error {
	if !isValidRunTransition(t.From, t.To) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", orNone(t.From), t.To).
			WithDetails(map[string]any{"run_id": t.RunID, "from": string(t.From), "to": string(t.To)})
	}

	f.mu.RLock()
	key := hookKey{t.From, t.To}
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, t); err != nil {
			return err
		}
	}

	details := map[string]any{"from": string(t.From), "to": string(t.To)}
	for k, v := range t.Detail {
		details[k] = v
	}
	if err := f.sink.Record(ctx, audit.Entry{
		At:      time.Now().UTC(),
		Event:   runEventType(t.From, t.To),
		RunID:   t.RunID,
		UserID:  t.UserID,
		Details: details,
	}); err != nil {
		f.logger.WarnContext(ctx, "audit record failed", slog.String("error", err.Error()))
	}

	for _, hook := range after {
		if err := hook(ctx, t); err != nil {
			f.logger.WarnContext(ctx, "run transition hook failed",
				slog.String("to", string(t.To)), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Recovered records that a worker took over a running run whose previous
// driver let its lease lapse. The status stays running, so no hooks run.
func (f *RunFSM) Recovered(ctx context.Context, runID, userID string, detail map[string]any) {
	details := map[string]any{"from": string(schema.RunStatusRunning), "to": string(schema.RunStatusRunning)}
	for k, v := range detail {
		details[k] = v
	}
	if err := f.sink.Record(ctx, audit.Entry{
		At:      time.Now().UTC(),
		Event:   schema.EventRunRecovered,
		RunID:   runID,
		UserID:  userID,
		Details: details,
	}); err != nil {
		f.logger.WarnContext(ctx, "audit record failed", slog.String("error", err.Error()))
	}
}

// ValidRunTransitions lists the allowed run state transitions. The empty
// status is the state before a run record exists.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	"":                        {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusPaused, schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusPaused:    {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusPaused {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	default:
		return schema.EventRunFailed
	}
}

func orNone(s schema.RunStatus) string {
	if s == "" {
		return "none"
	}
	return string(s)
}
