// Package providers declares the collaborators the engine delegates side
// effects to: actions, model decisions and approver notifications.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// UserContext identifies who a side effect runs for. IdempotencyKey is stable
// across retries of the same attempt number and across resumes, so plugins can
// deduplicate at-least-once deliveries.
type UserContext struct {
	UserID         string `json:"userId"`
	RunID          string `json:"runId"`
	StepID         string `json:"stepId"`
	Attempt        int    `json:"attempt"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// IdempotencyKey builds the key handed to plugins for one attempt of a step.
func IdempotencyKey(runID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, stepID, attempt)
}

// ActionProvider performs plugin actions.
type ActionProvider interface {
	Invoke(ctx context.Context, uc UserContext, plugin, action string, params map[string]any) (any, error)
}

// IntelligenceProvider asks a language model for a decision. It returns the
// raw response text and the tokens consumed.
type IntelligenceProvider interface {
	Decide(ctx context.Context, uc UserContext, prompt string, hint *schema.ModelHint) (string, int, error)
}

// Notifier delivers approval notifications. Callers never wait on delivery.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, subject, body string, data map[string]any) error
}

// LogNotifier writes notifications to the log. It is the default when no
// delivery channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, recipients []string, subject, body string, data map[string]any) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		slog.String("recipients", strings.Join(recipients, ",")),
		slog.String("subject", subject),
		slog.String("body", body),
		slog.Any("data", data),
	)
	return nil
}

// MultiNotifier fans a notification out to several notifiers and returns the
// first error.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, recipients []string, subject, body string, data map[string]any) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, recipients, subject, body, data); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Unconfigured is an IntelligenceProvider that always fails as unavailable.
type Unconfigured struct{}

func (Unconfigured) Decide(context.Context, UserContext, string, *schema.ModelHint) (string, int, error) {
	return "", 0, schema.NewStepError(schema.ClassUnavailable, "no intelligence provider configured")
}

// ActionIntelligence routes decisions through a plugin action, typically a
// model tool exposed by an MCP server. The action receives the prompt and
// hint as params and answers with either plain text or an object carrying
// "text" and an optional "tokens" count.
type ActionIntelligence struct {
	Actions ActionProvider
	Plugin  string
	Action  string
}

func (a ActionIntelligence) Decide(ctx context.Context, uc UserContext, prompt string, hint *schema.ModelHint) (string, int, error) {
	params := map[string]any{"prompt": prompt}
	if hint != nil {
		params["hint"] = map[string]any{"complexity": hint.Complexity, "quality": hint.Quality, "model": hint.Model}
	}
	out, err := a.Actions.Invoke(ctx, uc, a.Plugin, a.Action, params)
	if err != nil {
		return "", 0, err
	}
	switch v := out.(type) {
	case string:
		return v, 0, nil
	case map[string]any:
		text, ok := v["text"].(string)
		if !ok {
			return "", 0, schema.NewStepError(schema.ClassInternal, "intelligence action %s.%s returned no text", a.Plugin, a.Action)
		}
		return text, tokenCount(v["tokens"]), nil
	}
	return "", 0, schema.NewStepError(schema.ClassInternal, "intelligence action %s.%s returned %T", a.Plugin, a.Action, out)
}

func tokenCount(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
