package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

type respondRequest struct {
	Approver string          `json:"approver"`
	Decision schema.Decision `json:"decision"`
	Comment  string          `json:"comment,omitempty"`
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ApprovalFilter{
		RunID:  q.Get("runId"),
		StepID: q.Get("stepId"),
		Limit:  queryInt(r, "limit"),
	}
	if st := q.Get("status"); st != "" {
		status := schema.ApprovalStatus(st)
		filter.Status = &status
	}
	reqs, err := s.orch.Approvals().List(r.Context(), filter)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"approvals": orEmpty(reqs)})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.orch.Approvals().Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, req)
}

// handleRespond records a decision. A resolving decision resumes the run
// before the response is written.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondRequest
	if err := decodeJSON(r, &body); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	if body.Approver == "" {
		s.respondWithError(w, r, schema.NewError(schema.ErrCodeValidation, "approver is required"))
		return
	}
	if body.Decision != schema.DecisionApprove && body.Decision != schema.DecisionReject {
		s.respondWithError(w, r, schema.NewErrorf(schema.ErrCodeValidation, "decision must be %q or %q", schema.DecisionApprove, schema.DecisionReject))
		return
	}
	req, err := s.orch.Respond(context.WithoutCancel(r.Context()), mux.Vars(r)["id"], body.Approver, body.Decision, body.Comment)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, req)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.orch.CheckApprovalTimeouts(context.WithoutCancel(r.Context()))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"handled": n})
}
