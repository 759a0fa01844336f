// Package audit records run and approval lifecycle events to pluggable sinks.
// Entries carry step metadata only, never step data.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Entry is one audit record.
type Entry struct {
	At      time.Time      `json:"at"`
	Event   string         `json:"event"` // one of the schema.Event* names
	RunID   string         `json:"run_id"`
	StepID  string         `json:"step_id,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Sink receives audit entries. Callers log Record failures and carry on.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

// LogSink writes entries to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Record(ctx context.Context, e Entry) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit",
		slog.String("event", e.Event),
		slog.String("run_id", e.RunID),
		slog.String("step_id", e.StepID),
		slog.String("actor", e.Actor),
		slog.Any("details", e.Details),
	)
	return nil
}

// MultiSink fans an entry out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *MemorySink) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Events returns the recorded event names in order.
func (s *MemorySink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Event
	}
	return out
}
