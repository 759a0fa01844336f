package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/internal/audit"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

type recordingResumer struct {
	mu   sync.Mutex
	runs []string
}

func (r *recordingResumer) ResumeRun(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, runID)
	return nil
}

func (r *recordingResumer) resumed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][]string
	done  chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{done: make(chan struct{}, 16)}
}

func (n *recordingNotifier) Notify(_ context.Context, recipients []string, _, _ string, _ map[string]any) error {
	n.mu.Lock()
	n.calls = append(n.calls, recipients)
	n.mu.Unlock()
	n.done <- struct{}{}
	return errors.New("smtp down")
}

type fixture struct {
	store    *store.MemoryStore
	coord    *Coordinator
	resumer  *recordingResumer
	notifier *recordingNotifier
	audit    *audit.MemorySink
	clock    time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		resumer:  &recordingResumer{},
		notifier: newRecordingNotifier(),
		audit:    &audit.MemorySink{},
		clock:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), &store.RunRecord{
		RunID: "run-1", UserID: "owner", Status: schema.RunStatusRunning,
	}))
	opts = append([]Option{
		WithNotifier(f.notifier),
		WithAudit(f.audit),
		WithClock(func() time.Time { return f.clock }),
	}, opts...)
	coord, err := NewCoordinator(f.store, nil, opts...)
	require.NoError(t, err)
	coord.SetResumer(f.resumer)
	f.coord = coord
	return f
}

func (f *fixture) enter(t *testing.T, step *schema.ApprovalStep, timeout time.Duration) *Entry {
	t.Helper()
	entry, err := f.coord.Enter(context.Background(), Gate{
		RunID: "run-1", UserID: "owner", StepID: "gate", Step: step, Timeout: timeout, Title: "Ship it?",
	})
	require.NoError(t, err)
	return entry
}

func (f *fixture) waitNotify(t *testing.T) {
	t.Helper()
	select {
	case <-f.notifier.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was not called")
	}
}

func TestEnter_CreatesPendingRequest(t *testing.T) {
	f := newFixture(t)
	entry := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice", "bob"}}, 0)

	require.True(t, entry.Paused)
	req := entry.Request
	assert.Equal(t, schema.ApprovalPending, req.Status)
	assert.Equal(t, schema.ApprovalAny, req.Mode)
	assert.Equal(t, schema.TimeoutReject, req.OnTimeout)
	assert.Equal(t, f.clock.Add(DefaultTimeout), req.TimeoutAt)
	assert.Equal(t, "Ship it?", req.Title)

	f.waitNotify(t)
	assert.Equal(t, [][]string{{"alice", "bob"}}, f.notifier.calls, "notifier failures are only logged")
	assert.Contains(t, f.audit.Events(), schema.EventApprovalRequested)

	again := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice", "bob"}}, 0)
	assert.True(t, again.Paused)
	assert.Equal(t, req.ID, again.Request.ID, "re-entering follows the existing request")
}

func TestRespond_AnyMode(t *testing.T) {
	tests := []struct {
		name      string
		responses []struct {
			who string
			d   schema.Decision
		}
		want schema.ApprovalStatus
	}{
		{
			name: "first approve wins",
			responses: []struct {
				who string
				d   schema.Decision
			}{{"alice", schema.DecisionApprove}},
			want: schema.ApprovalApproved,
		},
		{
			name: "approve after reject wins",
			responses: []struct {
				who string
				d   schema.Decision
			}{{"alice", schema.DecisionReject}, {"bob", schema.DecisionApprove}},
			want: schema.ApprovalApproved,
		},
		{
			name: "single reject waits for the others",
			responses: []struct {
				who string
				d   schema.Decision
			}{{"alice", schema.DecisionReject}},
			want: schema.ApprovalPending,
		},
		{
			name: "everyone rejects",
			responses: []struct {
				who string
				d   schema.Decision
			}{{"alice", schema.DecisionReject}, {"bob", schema.DecisionReject}},
			want: schema.ApprovalRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			entry := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice", "bob"}}, time.Hour)

			var req *store.ApprovalRequest
			for _, r := range tt.responses {
				var err error
				req, err = f.coord.Respond(context.Background(), entry.Request.ID, r.who, r.d, "")
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, req.Status)
			if tt.want == schema.ApprovalPending {
				assert.Empty(t, f.resumer.resumed())
				assert.Nil(t, req.ResolvedAt)
			} else {
				assert.Equal(t, []string{"run-1"}, f.resumer.resumed())
				assert.NotNil(t, req.ResolvedAt)
			}
		})
	}
}

func TestRespond_AllMode(t *testing.T) {
	f := newFixture(t)
	entry := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice", "bob"}, ApprovalMode: schema.ApprovalAll}, time.Hour)
	id := entry.Request.ID

	req, err := f.coord.Respond(context.Background(), id, "alice", schema.DecisionApprove, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalPending, req.Status)

	req, err = f.coord.Respond(context.Background(), id, "bob", schema.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalApproved, req.Status)

	out := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice", "bob"}}, time.Hour)
	require.False(t, out.Paused)
	assert.Equal(t, true, out.Output["approved"])
	assert.Equal(t, []any{"alice", "bob"}, out.Output["approvedBy"])

	f2 := newFixture(t)
	entry = f2.enter(t, &schema.ApprovalStep{Approvers: []string{"alice", "bob"}, ApprovalMode: schema.ApprovalAll}, time.Hour)
	req, err = f2.coord.Respond(context.Background(), entry.Request.ID, "bob", schema.DecisionReject, "no")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalRejected, req.Status, "one reject rejects in all mode")

	_, err = f2.coord.Enter(context.Background(), Gate{RunID: "run-1", StepID: "gate", Step: &schema.ApprovalStep{Approvers: []string{"alice"}}})
	assert.True(t, errors.Is(err, schema.ErrApprovalRejected))
}

func TestRespond_Errors(t *testing.T) {
	f := newFixture(t)
	entry := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice", "bob"}}, time.Hour)
	id := entry.Request.ID
	ctx := context.Background()

	_, err := f.coord.Respond(ctx, id, "mallory", schema.DecisionApprove, "")
	assert.True(t, errors.Is(err, schema.ErrUnauthorized))

	_, err = f.coord.Respond(ctx, id, "alice", "maybe", "")
	assert.True(t, errors.Is(err, schema.ErrValidation))

	_, err = f.coord.Respond(ctx, id, "alice", schema.DecisionReject, "")
	require.NoError(t, err)
	_, err = f.coord.Respond(ctx, id, "alice", schema.DecisionApprove, "changed my mind")
	assert.True(t, errors.Is(err, schema.ErrConflict))

	_, err = f.coord.Respond(ctx, "missing", "alice", schema.DecisionApprove, "")
	assert.True(t, errors.Is(err, schema.ErrNotFound))

	_, err = f.coord.Respond(ctx, id, "bob", schema.DecisionApprove, "")
	require.NoError(t, err)
	_, err = f.coord.Respond(ctx, id, "carol", schema.DecisionApprove, "")
	oe, ok := schema.AsOrchestratorError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, oe.Code)
}

func TestRespond_CustomPolicy(t *testing.T) {
	policy, err := NewPolicy(`approver in approvers || approver == "admin"`)
	require.NoError(t, err)
	f := newFixture(t, WithPolicy(policy))
	entry := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice"}}, time.Hour)

	req, err := f.coord.Respond(context.Background(), entry.Request.ID, "admin", schema.DecisionApprove, "override")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalApproved, req.Status)

	_, err = NewPolicy("approver in")
	assert.Error(t, err)
}

func TestRespond_ConcurrentResponses(t *testing.T) {
	f := newFixture(t)
	approvers := []string{"a1", "a2", "a3", "a4"}
	entry := f.enter(t, &schema.ApprovalStep{Approvers: approvers, ApprovalMode: schema.ApprovalAll}, time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, len(approvers))
	for i, a := range approvers {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			_, errs[i] = f.coord.Respond(context.Background(), entry.Request.ID, a, schema.DecisionApprove, "")
		}(i, a)
	}
	wg.Wait()

	req, err := f.coord.Get(context.Background(), entry.Request.ID)
	require.NoError(t, err)
	succeeded := 0
	for _, e := range errs {
		if e == nil {
			succeeded++
		}
	}
	assert.Len(t, req.Responses, succeeded, "every successful response is persisted exactly once")
	if succeeded == len(approvers) {
		assert.Equal(t, schema.ApprovalApproved, req.Status)
	}
}

func TestCheckTimeouts_Reject(t *testing.T) {
	f := newFixture(t)
	entry := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice"}}, 10*time.Minute)

	n, err := f.coord.CheckTimeouts(context.Background(), f.clock.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.coord.CheckTimeouts(context.Background(), f.clock.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req, err := f.coord.Get(context.Background(), entry.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalTimedOut, req.Status)
	assert.Equal(t, []string{"run-1"}, f.resumer.resumed())

	_, err = f.coord.Enter(context.Background(), Gate{RunID: "run-1", StepID: "gate", Step: &schema.ApprovalStep{Approvers: []string{"alice"}}})
	assert.True(t, errors.Is(err, schema.ErrApprovalRejected))
}

func TestCheckTimeouts_Approve(t *testing.T) {
	f := newFixture(t)
	entry := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice"}, OnTimeout: schema.TimeoutApprove}, time.Minute)

	n, err := f.coord.CheckTimeouts(context.Background(), f.clock.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req, err := f.coord.Get(context.Background(), entry.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalApproved, req.Status)
	require.Len(t, req.Responses, 1)
	assert.Equal(t, SystemApprover, req.Responses[0].Approver)
}

func TestCheckTimeouts_EscalateThenReject(t *testing.T) {
	f := newFixture(t)
	entry := f.enter(t, &schema.ApprovalStep{
		Approvers: []string{"alice"}, OnTimeout: schema.TimeoutEscalate, EscalateTo: []string{"boss"},
	}, time.Minute)
	f.waitNotify(t)

	f.clock = f.clock.Add(2 * time.Minute)
	n, err := f.coord.CheckTimeouts(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.waitNotify(t)
	assert.Empty(t, f.resumer.resumed(), "escalation keeps the run paused")

	parent, err := f.coord.Get(context.Background(), entry.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalEscalated, parent.Status)

	latest := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice"}}, time.Minute)
	require.True(t, latest.Paused)
	child := latest.Request
	assert.Equal(t, []string{"boss"}, child.Approvers)
	assert.Equal(t, 1, child.EscalationLevel)
	assert.Equal(t, parent.ID, child.ParentRequestID)
	assert.Equal(t, f.clock.Add(time.Minute), child.TimeoutAt)

	_, err = f.coord.Respond(context.Background(), child.ID, "alice", schema.DecisionApprove, "")
	assert.True(t, errors.Is(err, schema.ErrUnauthorized), "only the escalation targets may answer")

	n, err = f.coord.CheckTimeouts(context.Background(), f.clock.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	child, err = f.coord.Get(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalTimedOut, child.Status, "a second timeout degrades to reject")
	assert.Equal(t, []string{"run-1"}, f.resumer.resumed())
}

func TestCheckTimeouts_EscalateWithoutTargetsRejects(t *testing.T) {
	f := newFixture(t)
	entry := f.enter(t, &schema.ApprovalStep{Approvers: []string{"alice"}, OnTimeout: schema.TimeoutEscalate}, time.Minute)

	_, err := f.coord.CheckTimeouts(context.Background(), f.clock.Add(time.Hour))
	require.NoError(t, err)
	req, err := f.coord.Get(context.Background(), entry.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalTimedOut, req.Status)
}

func TestDecide(t *testing.T) {
	req := &store.ApprovalRequest{Approvers: []string{"a", "b"}, Mode: schema.ApprovalAll}
	assert.Equal(t, schema.ApprovalPending, decide(req))
	req.Responses = []store.ApprovalResponse{{Approver: "a", Decision: schema.DecisionApprove}}
	assert.Equal(t, schema.ApprovalPending, decide(req))
	req.Responses = append(req.Responses, store.ApprovalResponse{Approver: "b", Decision: schema.DecisionApprove})
	assert.Equal(t, schema.ApprovalApproved, decide(req))
}
