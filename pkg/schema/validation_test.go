package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_WarningsOnlyIsValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/steps/1/retryPolicy", ErrCodeValidation, "high retry count")

	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_MergeAndToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/steps/0/kind", ErrCodeValidation, "unknown kind")

	other := &ValidationResult{}
	other.AddError("/steps/2", ErrCodeCycleDetected, "cycle")
	other.AddWarning("/steps/3", ErrCodeValidation, "unused output")
	r.Merge(other)
	r.Merge(nil)

	err := r.ToError()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	oe, ok := AsOrchestratorError(err)
	require.True(t, ok)
	assert.Contains(t, oe.Message, "2 errors")
	assert.Equal(t, 2, oe.Details["error_count"])
	assert.Equal(t, 1, oe.Details["warning_count"])
}

func TestValidationResult_SingleErrorKeepsMessage(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/steps/0", ErrCodeValidation, "missing plugin")

	oe, ok := AsOrchestratorError(r.ToError())
	require.True(t, ok)
	assert.Equal(t, "missing plugin", oe.Message)
}

func TestValidationIssue_String(t *testing.T) {
	assert.Equal(t, "steps[0].plugin: required", ValidationIssue{Path: "steps[0].plugin", Message: "required"}.String())
	assert.Equal(t, "no steps", ValidationIssue{Message: "no steps"}.String())
}
