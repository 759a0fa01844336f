// Package streaming fans run lifecycle events out to live subscribers, such
// as clients following a run over Server-Sent Events.
package streaming

import (
	"context"
	"time"

	"github.com/agentspilot/orchestrator/internal/audit"
)

// RunEvent is one lifecycle event of a run. Like audit entries it carries
// step metadata only, never step data.
type RunEvent struct {
	At      time.Time      `json:"at"`
	RunID   string         `json:"run_id"`
	StepID  string         `json:"step_id,omitempty"`
	Event   string         `json:"event"`
	Actor   string         `json:"actor,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID  string   `json:"run_id,omitempty"`
	Events []string `json:"events,omitempty"`
}

// EventHub provides pub/sub for run events.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}

// HubSink is an audit.Sink that republishes every entry on a hub.
type HubSink struct {
	Hub EventHub
}

func (s HubSink) Record(ctx context.Context, e audit.Entry) error {
	return s.Hub.Publish(context.WithoutCancel(ctx), RunEvent{
		At:      e.At,
		RunID:   e.RunID,
		StepID:  e.StepID,
		Event:   e.Event,
		Actor:   e.Actor,
		Details: e.Details,
	})
}
