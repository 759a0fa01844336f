// Package httpapi serves the orchestrator over REST.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentspilot/orchestrator/internal/engine"
	"github.com/agentspilot/orchestrator/internal/plans"
	"github.com/agentspilot/orchestrator/internal/scheduler"
	"github.com/agentspilot/orchestrator/internal/streaming"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// Server is the REST surface. Plans and Schedules are optional; their routes
// answer 404 when unset.
type Server struct {
	http.Server
	orch      *engine.Orchestrator
	plans     *plans.Repository
	schedules *scheduler.Scheduler
	events    streaming.EventHub
	logger    *slog.Logger
}

// NewServer builds the router and binds it to addr.
func NewServer(addr string, orch *engine.Orchestrator, repo *plans.Repository, sched *scheduler.Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
		orch:      orch,
		plans:     repo,
		schedules: sched,
		logger:    logger,
	}
	s.Handler = s.Router()
	return s
}

// WithEvents enables the live event routes.
func (s *Server) WithEvents(hub streaming.EventHub) *Server {
	s.events = hub
	return s
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	router.HandleFunc("/runs", s.handleStartRun).Methods(http.MethodPost)
	router.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	router.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	router.HandleFunc("/runs/{id}/resume", s.handleResumeRun).Methods(http.MethodPost)
	router.HandleFunc("/runs/{id}/pause", s.handlePauseRun).Methods(http.MethodPost)
	router.HandleFunc("/runs/{id}/events", s.handleRunEvents).Methods(http.MethodGet)
	router.HandleFunc("/runs/{id}/diagram", s.handleRunDiagram).Methods(http.MethodGet)
	router.HandleFunc("/events", s.handleRunEvents).Methods(http.MethodGet)

	router.HandleFunc("/approvals", s.handleListApprovals).Methods(http.MethodGet)
	router.HandleFunc("/approvals/sweep", s.handleSweep).Methods(http.MethodPost)
	router.HandleFunc("/approvals/{id}", s.handleGetApproval).Methods(http.MethodGet)
	router.HandleFunc("/approvals/{id}/respond", s.handleRespond).Methods(http.MethodPost)

	router.HandleFunc("/plans", s.handleListPlans).Methods(http.MethodGet)
	router.HandleFunc("/plans/validate", s.handleValidatePlan).Methods(http.MethodPost)
	router.HandleFunc("/plans/{id}", s.handleGetPlan).Methods(http.MethodGet)
	router.HandleFunc("/plans/{id}/diagram", s.handlePlanDiagram).Methods(http.MethodGet)
	router.HandleFunc("/plans/{id}", s.handlePutPlan).Methods(http.MethodPut)
	router.HandleFunc("/plans/{id}", s.handleDeletePlan).Methods(http.MethodDelete)

	router.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet)
	router.HandleFunc("/schedules", s.handleCreateSchedule).Methods(http.MethodPost)
	router.HandleFunc("/schedules/{id}", s.handleDeleteSchedule).Methods(http.MethodDelete)
	router.HandleFunc("/schedules/{id}/enabled", s.handleEnableSchedule).Methods(http.MethodPut)

	router.Use(s.loggingMiddleware)
	return router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", slog.String("addr", s.Addr))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting briefly for open requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"circuits": s.orch.CircuitStats(),
		"pool":     s.orch.PoolMetrics(),
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		code = http.StatusInternalServerError
		response = []byte(`{"error":{"code":"INTERNAL","message":"encode response"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError writes err as {"error": {...}} with a status derived from
// its code.
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	oe, ok := schema.AsOrchestratorError(err)
	if !ok {
		oe = schema.NewError("INTERNAL", err.Error())
	}
	code := statusFor(oe.Code)
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	respondWithJSON(w, code, map[string]any{"error": oe})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected, schema.ErrCodeInvalidReference:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeUnauthorized:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error()).WithCause(err)
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
