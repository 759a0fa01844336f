package actions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/agentspilot/orchestrator/internal/expressions"
	"github.com/agentspilot/orchestrator/internal/providers"
	"github.com/agentspilot/orchestrator/internal/validation"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// CorePluginName is the name steps use to address the builtin actions.
const CorePluginName = "core"

// CorePlugin returns the builtin plugin:
//
//	log      writes params.message at params.level and returns {logged: true}
//	echo     returns params unchanged
//	set      returns params.values (or params) so later steps can reference it
//	eval     evaluates params.expression with expr-lang over params.data
//	validate checks params.data against the JSON Schema in params.schema
func CorePlugin(logger *slog.Logger, validator *validation.JSONSchemaValidator) Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	exprs := expressions.NewExprEngine()
	return &StaticPlugin{
		PluginName: CorePluginName,
		Acts: []Action{
			NewAction("log", "Write a message to the orchestrator log", coreLog(logger)),
			NewAction("echo", "Return the params unchanged", coreEcho),
			NewAction("set", "Return params.values as step data", coreSet),
			NewAction("eval", "Evaluate an expr-lang expression over params.data", coreEval(exprs)),
			NewAction("validate", "Validate params.data against params.schema", coreValidate(validator)),
		},
	}
}

func coreLog(logger *slog.Logger) func(context.Context, providers.UserContext, map[string]any) (any, error) {
	return func(ctx context.Context, uc providers.UserContext, params map[string]any) (any, error) {
		msg, _ := params["message"].(string)
		level := slog.LevelInfo
		switch strings.ToLower(stringParam(params, "level")) {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		logger.Log(ctx, level, msg,
			slog.String("run_id", uc.RunID),
			slog.String("step_id", uc.StepID),
			slog.Any("fields", params["fields"]),
		)
		return map[string]any{"logged": true, "message": msg}, nil
	}
}

func coreEcho(_ context.Context, _ providers.UserContext, params map[string]any) (any, error) {
	return params, nil
}

func coreSet(_ context.Context, _ providers.UserContext, params map[string]any) (any, error) {
	if v, ok := params["values"]; ok {
		return v, nil
	}
	return params, nil
}

func coreEval(engine *expressions.ExprEngine) func(context.Context, providers.UserContext, map[string]any) (any, error) {
	return func(ctx context.Context, _ providers.UserContext, params map[string]any) (any, error) {
		expression := stringParam(params, "expression")
		if expression == "" {
			return nil, schema.NewStepError(schema.ClassValidation, "core.eval requires a non-empty expression")
		}
		scope := map[string]any{"data": params["data"]}
		if data, ok := params["data"].(map[string]any); ok {
			for k, v := range data {
				scope[k] = v
			}
		}
		result, err := engine.Evaluate(ctx, expression, scope)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": result}, nil
	}
}

func coreValidate(validator *validation.JSONSchemaValidator) func(context.Context, providers.UserContext, map[string]any) (any, error) {
	return func(_ context.Context, _ providers.UserContext, params map[string]any) (any, error) {
		if validator == nil {
			return nil, schema.NewStepError(schema.ClassUnavailable, "core.validate has no schema validator")
		}
		s, ok := params["schema"].(map[string]any)
		if !ok {
			return nil, schema.NewStepError(schema.ClassValidation, "core.validate requires an object schema")
		}
		data, ok := params["data"].(map[string]any)
		if !ok {
			return nil, schema.NewStepError(schema.ClassValidation, "core.validate requires object data")
		}
		if err := validator.ValidateInput(data, s); err != nil {
			oe, _ := schema.AsOrchestratorError(err)
			wrapped := schema.NewStepError(schema.ClassValidation, "data does not match schema: %s", err.Error()).WithCause(err)
			if oe != nil {
				wrapped.Details = oe.Details
			}
			return nil, wrapped
		}
		return map[string]any{"valid": true}, nil
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
