// Package plans decodes plan documents and serves stored plans to the engine.
package plans

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/agentspilot/orchestrator/internal/validation"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// Format is a plan document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	}
	return FormatJSON
}

// Decode parses a plan document. Every format is converted to its JSON form,
// checked against the plan schema when v is non-nil, then bound to
// schema.Plan, whose decoder enforces per-kind required fields.
func Decode(data []byte, format Format, v *validation.JSONSchemaValidator) (*schema.Plan, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode yaml plan: %s", err.Error()).WithCause(err)
		}
	case FormatTOML:
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode toml plan: %s", err.Error()).WithCause(err)
		}
		doc = m
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode json plan: %s", err.Error()).WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported plan format %q", format)
	}

	doc, err := jsonCompatible(doc)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := v.ValidateDocument(doc); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode plan document").WithCause(err)
	}
	var plan schema.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		if _, ok := schema.AsOrchestratorError(err); ok {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "bind plan: %s", err.Error()).WithCause(err)
	}
	return &plan, nil
}

// LoadFile reads and decodes a plan document from disk.
func LoadFile(path string, v *validation.JSONSchemaValidator) (*schema.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	return Decode(data, FormatFromPath(path), v)
}

// jsonCompatible rewrites YAML's map[any]any nodes into map[string]any so the
// document can be marshaled as JSON.
func jsonCompatible(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key, ok := k.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "plan document has non-string key %v", k)
			}
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			out[key] = c
		}
		return out, nil
	case []any:
		for i, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			c, err := jsonCompatible(m)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	}
	return v, nil
}
