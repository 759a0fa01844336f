package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/agentspilot/orchestrator/internal/streaming"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// handleRunEvents streams run events as Server-Sent Events until the client
// goes away. Under /runs/{id}/events only that run's events are sent; the
// optional ?events= list narrows by event name.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.respondWithError(w, r, schema.NewError(schema.ErrCodeNotFound, "event streaming is not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondWithError(w, r, schema.NewError("INTERNAL", "streaming not supported"))
		return
	}

	filter := streaming.EventFilter{RunID: mux.Vars(r)["id"]}
	if names := r.URL.Query().Get("events"); names != "" {
		filter.Events = strings.Split(names, ",")
	}
	ch, cancel, err := s.events.Subscribe(r.Context(), filter)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, data)
			flusher.Flush()
		}
	}
}
