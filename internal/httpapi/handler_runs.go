package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentspilot/orchestrator/internal/engine"
	"github.com/agentspilot/orchestrator/internal/plans"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// startRunRequest starts either an inline plan or a stored one.
type startRunRequest struct {
	Plan   json.RawMessage `json:"plan,omitempty"`
	PlanID string          `json:"planId,omitempty"`
	UserID string          `json:"userId"`
	Inputs map[string]any  `json:"inputs,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	if req.UserID == "" {
		s.respondWithError(w, r, schema.NewError(schema.ErrCodeValidation, "userId is required"))
		return
	}

	// A client that disconnects does not cancel the run.
	ctx := context.WithoutCancel(r.Context())
	var (
		res *engine.RunResult
		err error
	)
	switch {
	case len(req.Plan) > 0:
		plan, derr := plans.Decode(req.Plan, plans.FormatJSON, nil)
		if derr != nil {
			s.respondWithError(w, r, derr)
			return
		}
		res, err = s.orch.Run(ctx, plan, req.UserID, req.Inputs)
	case req.PlanID != "":
		res, err = s.orch.RunStored(ctx, req.PlanID, req.UserID, req.Inputs)
	default:
		err = schema.NewError(schema.ErrCodeValidation, "plan or planId is required")
	}
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, runStatusCode(res), res)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		UserID: q.Get("userId"),
		PlanID: q.Get("planId"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	if st := q.Get("status"); st != "" {
		status := schema.RunStatus(st)
		filter.Status = &status
	}
	runs, err := s.orch.ListRuns(r.Context(), filter)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"runs": orEmpty(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Resume(context.WithoutCancel(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, runStatusCode(res), res)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.Pause(r.Context(), id); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"runId": id, "message": "pause requested"})
}

// runStatusCode is 202 for a run left paused and 200 otherwise. A failed run
// is a completed request.
func runStatusCode(res *engine.RunResult) int {
	if res.Status == schema.RunStatusPaused {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
