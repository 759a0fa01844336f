package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

type createScheduleRequest struct {
	PlanID string         `json:"planId"`
	Cron   string         `json:"cron"`
	UserID string         `json:"userId"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

func (s *Server) requireSchedules(w http.ResponseWriter, r *http.Request) bool {
	if s.schedules == nil {
		s.respondWithError(w, r, schema.NewError(schema.ErrCodeNotFound, "schedules are not enabled"))
		return false
	}
	return true
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if !s.requireSchedules(w, r) {
		return
	}
	list, err := s.schedules.List(r.Context())
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"schedules": orEmpty(list)})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireSchedules(w, r) {
		return
	}
	var req createScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	if req.UserID == "" {
		s.respondWithError(w, r, schema.NewError(schema.ErrCodeValidation, "userId is required"))
		return
	}
	sch, err := s.schedules.Create(r.Context(), req.PlanID, req.Cron, req.UserID, req.Inputs)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, sch)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireSchedules(w, r) {
		return
	}
	if err := s.schedules.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireSchedules(w, r) {
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.schedules.SetEnabled(r.Context(), id, body.Enabled); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}
