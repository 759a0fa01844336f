// Package approval implements human approval gates: request creation,
// responses, the Any/All decision rules and the timeout sweep.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentspilot/orchestrator/internal/audit"
	"github.com/agentspilot/orchestrator/internal/providers"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

const (
	// DefaultTimeout applies when an approval step sets no timeout.
	DefaultTimeout = 24 * time.Hour
	// SystemApprover is the responder recorded for automatic decisions.
	SystemApprover = "system"

	casAttempts   = 3
	notifyTimeout = 30 * time.Second
)

// Resumer continues a paused run once its approval resolves. The engine
// implements it and is bound after construction.
type Resumer interface {
	ResumeRun(ctx context.Context, runID string) error
}

// Gate is what Enter needs to know about an approval step.
type Gate struct {
	RunID   string
	UserID  string
	StepID  string
	Step    *schema.ApprovalStep
	Timeout time.Duration
	Title   string
	Message string
}

// Entry is the outcome of Enter: either the run must pause on Request, or
// the request is approved and Output is the step's data.
type Entry struct {
	Paused  bool
	Request *store.ApprovalRequest
	Output  map[string]any
}

// Coordinator owns the approval state machine.
type Coordinator struct {
	approvals store.ApprovalStore
	notifier  providers.Notifier
	audit     audit.Sink
	policy    *Policy
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	resumer Resumer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier sets the approver notifier.
func WithNotifier(n providers.Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) Option { return func(c *Coordinator) { c.audit = s } }

// WithPolicy sets the authorization policy.
func WithPolicy(p *Policy) Option { return func(c *Coordinator) { c.policy = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// NewCoordinator creates a Coordinator with the default policy, a log
// notifier and no audit sink unless options say otherwise.
func NewCoordinator(approvals store.ApprovalStore, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		approvals: approvals,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.policy == nil {
		p, err := NewPolicy("")
		if err != nil {
			return nil, err
		}
		c.policy = p
	}
	if c.notifier == nil {
		c.notifier = &providers.LogNotifier{Logger: logger}
	}
	if c.audit == nil {
		c.audit = audit.Nop{}
	}
	return c, nil
}

// SetResumer binds the run resumer.
func (c *Coordinator) SetResumer(r Resumer) {
	c.mu.Lock()
	c.resumer = r
	c.mu.Unlock()
}

// Enter handles an approval step. If a request for the run and step exists,
// the latest one decides: pending pauses, approved yields output, rejected
// or timed out returns an ApprovalRejected error. Otherwise a new pending
// request is persisted, the approvers are notified and the run pauses.
func (c *Coordinator) Enter(ctx context.Context, g Gate) (*Entry, error) {
	existing, err := c.approvals.ListApprovals(ctx, store.ApprovalFilter{RunID: g.RunID, StepID: g.StepID})
	if err != nil {
		return nil, err
	}
	if n := len(existing); n > 0 {
		return c.follow(existing[n-1])
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := c.now().UTC()
	req := &store.ApprovalRequest{
		ID:         uuid.NewString(),
		RunID:      g.RunID,
		StepID:     g.StepID,
		Title:      g.Title,
		Message:    g.Message,
		Approvers:  append([]string(nil), g.Step.Approvers...),
		Mode:       g.Step.Mode(),
		OnTimeout:  g.Step.TimeoutAction(),
		EscalateTo: append([]string(nil), g.Step.EscalateTo...),
		Status:     schema.ApprovalPending,
		Responses:  []store.ApprovalResponse{},
		TimeoutMs:  timeout.Milliseconds(),
		CreatedAt:  now,
		TimeoutAt:  now.Add(timeout),
	}
	if err := c.approvals.CreateApproval(ctx, req); err != nil {
		return nil, err
	}
	c.record(ctx, schema.EventApprovalRequested, req, g.UserID, map[string]any{
		"approvers": req.Approvers, "mode": string(req.Mode), "timeout_at": req.TimeoutAt,
	})
	c.notify(ctx, req, req.Approvers)
	return &Entry{Paused: true, Request: req}, nil
}

func (c *Coordinator) follow(req *store.ApprovalRequest) (*Entry, error) {
	switch req.Status {
	case schema.ApprovalApproved:
		return &Entry{Request: req, Output: approvedOutput(req)}, nil
	case schema.ApprovalRejected, schema.ApprovalTimedOut:
		return nil, rejection(req)
	default:
		return &Entry{Paused: true, Request: req}, nil
	}
}

// Respond records one approver's answer and resumes the run when the
// request resolves. The write is a compare-and-swap retried on conflict.
func (c *Coordinator) Respond(ctx context.Context, requestID, approver string, decision schema.Decision, comment string) (*store.ApprovalRequest, error) {
	if decision != schema.DecisionApprove && decision != schema.DecisionReject {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decision must be approve or reject, got %q", decision)
	}
	if approver == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "approver is required")
	}

	var req *store.ApprovalRequest
	for attempt := 0; ; attempt++ {
		var err error
		req, err = c.approvals.GetApproval(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.Status != schema.ApprovalPending {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"approval request %s is %s", requestID, req.Status)
		}
		allowed, err := c.policy.Allows(ctx, approver, req)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, schema.NewErrorf(schema.ErrCodeUnauthorized,
				"%s is not authorized to answer approval request %s", approver, requestID)
		}
		if req.HasResponded(approver) {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"%s already answered approval request %s", approver, requestID)
		}

		now := c.now().UTC()
		req.Responses = append(req.Responses, store.ApprovalResponse{
			Approver: approver, Decision: decision, Comment: comment, At: now,
		})
		req.Status = decide(req)
		if req.Status != schema.ApprovalPending {
			req.ResolvedAt = &now
		}

		err = c.approvals.UpdateApproval(ctx, req)
		if err == nil {
			break
		}
		if !errors.Is(err, schema.ErrConflict) || attempt+1 >= casAttempts {
			return nil, err
		}
	}

	c.record(ctx, schema.EventApprovalResponded, req, approver, map[string]any{
		"decision": string(decision), "status": string(req.Status),
	})
	if req.Status != schema.ApprovalPending {
		c.resolved(ctx, req)
	}
	return req, nil
}

// decide applies the mode rules to the responses so far.
//
// Any: the first approve wins, even after earlier rejects; the request is
// rejected only once every approver answered and none approved.
// All: one reject rejects; every approver must approve.
func decide(req *store.ApprovalRequest) schema.ApprovalStatus {
	approvedBy := make(map[string]bool)
	answered := make(map[string]bool)
	anyApprove, anyReject := false, false
	for _, r := range req.Responses {
		answered[r.Approver] = true
		if r.Decision == schema.DecisionApprove {
			approvedBy[r.Approver] = true
			anyApprove = true
		} else {
			anyReject = true
		}
	}

	if req.Mode == schema.ApprovalAll {
		if anyReject {
			return schema.ApprovalRejected
		}
		for _, a := range req.Approvers {
			if !approvedBy[a] {
				return schema.ApprovalPending
			}
		}
		return schema.ApprovalApproved
	}

	if anyApprove {
		return schema.ApprovalApproved
	}
	for _, a := range req.Approvers {
		if !answered[a] {
			return schema.ApprovalPending
		}
	}
	return schema.ApprovalRejected
}

// CheckTimeouts applies the timeout action of every pending request whose
// deadline passed before now and returns how many it handled. A request that
// changed concurrently is left for the next sweep.
func (c *Coordinator) CheckTimeouts(ctx context.Context, now time.Time) (int, error) {
	pending := schema.ApprovalPending
	due, err := c.approvals.ListApprovals(ctx, store.ApprovalFilter{Status: &pending, DueBefore: &now})
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, req := range due {
		if err := c.expire(ctx, req, now.UTC()); err != nil {
			if errors.Is(err, schema.ErrConflict) {
				continue
			}
			c.logger.ErrorContext(ctx, "approval timeout handling failed",
				slog.String("request_id", req.ID),
				slog.String("run_id", req.RunID),
				slog.String("error", err.Error()),
			)
			continue
		}
		handled++
	}
	return handled, nil
}

func (c *Coordinator) expire(ctx context.Context, req *store.ApprovalRequest, now time.Time) error {
	action := req.OnTimeout
	if action == schema.TimeoutEscalate && (req.EscalationLevel > 0 || len(req.EscalateTo) == 0) {
		action = schema.TimeoutReject
	}

	req.ResolvedAt = &now
	switch action {
	case schema.TimeoutEscalate:
		req.Status = schema.ApprovalEscalated
		if err := c.approvals.UpdateApproval(ctx, req); err != nil {
			return err
		}
		return c.escalate(ctx, req, now)
	case schema.TimeoutApprove:
		req.Status = schema.ApprovalApproved
		req.Responses = append(req.Responses, store.ApprovalResponse{
			Approver: SystemApprover, Decision: schema.DecisionApprove, Comment: "approved on timeout", At: now,
		})
	default:
		req.Status = schema.ApprovalTimedOut
	}
	if err := c.approvals.UpdateApproval(ctx, req); err != nil {
		return err
	}
	c.record(ctx, schema.EventApprovalTimedOut, req, SystemApprover, map[string]any{"status": string(req.Status)})
	c.resolved(ctx, req)
	return nil
}

func (c *Coordinator) escalate(ctx context.Context, parent *store.ApprovalRequest, now time.Time) error {
	timeout := time.Duration(parent.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	child := &store.ApprovalRequest{
		ID:              uuid.NewString(),
		RunID:           parent.RunID,
		StepID:          parent.StepID,
		Title:           parent.Title,
		Message:         parent.Message,
		Approvers:       append([]string(nil), parent.EscalateTo...),
		Mode:            parent.Mode,
		OnTimeout:       parent.OnTimeout,
		Status:          schema.ApprovalPending,
		Responses:       []store.ApprovalResponse{},
		EscalationLevel: parent.EscalationLevel + 1,
		ParentRequestID: parent.ID,
		TimeoutMs:       timeout.Milliseconds(),
		CreatedAt:       now,
		TimeoutAt:       now.Add(timeout),
	}
	if err := c.approvals.CreateApproval(ctx, child); err != nil {
		return fmt.Errorf("create escalated request: %w", err)
	}
	c.record(ctx, schema.EventApprovalEscalated, child, SystemApprover, map[string]any{
		"parent_request_id": parent.ID, "approvers": child.Approvers,
	})
	c.notify(ctx, child, child.Approvers)
	return nil
}

// Get returns a request.
func (c *Coordinator) Get(ctx context.Context, id string) (*store.ApprovalRequest, error) {
	return c.approvals.GetApproval(ctx, id)
}

// List returns requests matching filter.
func (c *Coordinator) List(ctx context.Context, filter store.ApprovalFilter) ([]*store.ApprovalRequest, error) {
	return c.approvals.ListApprovals(ctx, filter)
}

func (c *Coordinator) resolved(ctx context.Context, req *store.ApprovalRequest) {
	c.record(ctx, schema.EventApprovalResolved, req, "", map[string]any{"status": string(req.Status)})

	c.mu.RLock()
	r := c.resumer
	c.mu.RUnlock()
	if r == nil {
		c.logger.WarnContext(ctx, "approval resolved but no resumer is bound",
			slog.String("request_id", req.ID), slog.String("run_id", req.RunID))
		return
	}
	if err := r.ResumeRun(ctx, req.RunID); err != nil {
		c.logger.ErrorContext(ctx, "resume after approval failed",
			slog.String("request_id", req.ID),
			slog.String("run_id", req.RunID),
			slog.String("error", err.Error()),
		)
	}
}

// notify is fire-and-forget: delivery errors are logged.
func (c *Coordinator) notify(ctx context.Context, req *store.ApprovalRequest, recipients []string) {
	subject := req.Title
	if subject == "" {
		subject = fmt.Sprintf("Approval needed for step %s", req.StepID)
	}
	data := map[string]any{
		"requestId": req.ID, "runId": req.RunID, "stepId": req.StepID,
		"mode": string(req.Mode), "timeoutAt": req.TimeoutAt, "escalationLevel": req.EscalationLevel,
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		nctx, cancel := context.WithTimeout(bg, notifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(nctx, recipients, subject, req.Message, data); err != nil {
			c.logger.WarnContext(nctx, "approval notification failed",
				slog.String("request_id", req.ID), slog.String("error", err.Error()))
		}
	}()
}

func (c *Coordinator) record(ctx context.Context, event string, req *store.ApprovalRequest, actor string, details map[string]any) {
	details["request_id"] = req.ID
	err := c.audit.Record(ctx, audit.Entry{
		At: c.now().UTC(), Event: event, RunID: req.RunID, StepID: req.StepID, Actor: actor, Details: details,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "audit record failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func approvedOutput(req *store.ApprovalRequest) map[string]any {
	var approvedBy []any
	responses := make([]any, 0, len(req.Responses))
	for _, r := range req.Responses {
		if r.Decision == schema.DecisionApprove {
			approvedBy = append(approvedBy, r.Approver)
		}
		responses = append(responses, map[string]any{
			"approver": r.Approver, "decision": string(r.Decision), "comment": r.Comment,
		})
	}
	return map[string]any{
		"approved":        true,
		"requestId":       req.ID,
		"approvedBy":      approvedBy,
		"responses":       responses,
		"escalationLevel": req.EscalationLevel,
	}
}

func rejection(req *store.ApprovalRequest) error {
	reason := "rejected"
	if req.Status == schema.ApprovalTimedOut {
		reason = "timed out"
	}
	return schema.NewErrorf(schema.ErrCodeApprovalRejected, "approval request %s %s", req.ID, reason).
		WithClass(schema.ClassRejected).
		WithStep(req.StepID).
		WithDetails(map[string]any{"requestId": req.ID, "status": string(req.Status)})
}
