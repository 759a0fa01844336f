package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/agentspilot/orchestrator/internal/plans"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

const maxPlanBytes = 4 << 20

// readPlan decodes the request body as a plan document. The format follows
// the Content-Type: YAML and TOML are accepted besides JSON.
func readPlan(r *http.Request) (*schema.Plan, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPlanBytes))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "read plan body").WithCause(err)
	}
	format := plans.FormatJSON
	switch ct := r.Header.Get("Content-Type"); {
	case strings.Contains(ct, "yaml"):
		format = plans.FormatYAML
	case strings.Contains(ct, "toml"):
		format = plans.FormatTOML
	}
	return plans.Decode(data, format, nil)
}

func (s *Server) requirePlans(w http.ResponseWriter, r *http.Request) bool {
	if s.plans == nil {
		s.respondWithError(w, r, schema.NewError(schema.ErrCodeNotFound, "stored plans are not enabled"))
		return false
	}
	return true
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlans(w, r) {
		return
	}
	recs, err := s.plans.List(r.Context())
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"plans": orEmpty(recs)})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlans(w, r) {
		return
	}
	plan, err := s.plans.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, plan)
}

// handlePutPlan stores a plan after checking it parses into a valid graph.
func (s *Server) handlePutPlan(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlans(w, r) {
		return
	}
	plan, err := readPlan(r)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	if _, err := s.orch.Validate(plan); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	rec, err := s.plans.Save(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("name"), plan)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlans(w, r) {
		return
	}
	if err := s.plans.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidatePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := readPlan(r)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	exec, err := s.orch.Validate(plan)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"valid":  true,
		"steps":  len(exec.Order),
		"levels": exec.Levels,
	})
}
