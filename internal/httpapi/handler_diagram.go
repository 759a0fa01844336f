package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentspilot/orchestrator/internal/diagram"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// handlePlanDiagram renders a stored plan as a Mermaid flowchart.
func (s *Server) handlePlanDiagram(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlans(w, r) {
		return
	}
	plan, err := s.plans.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	s.writeDiagram(w, r, plan, nil)
}

// handleRunDiagram renders the plan of a run with its step outcomes.
func (s *Server) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	s.writeDiagram(w, r, &rec.Plan, rec)
}

func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, plan *schema.Plan, rec *store.RunRecord) {
	exec, err := s.orch.Validate(plan)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	model, err := diagram.Build(plan, exec, rec)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.mermaid; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
}
