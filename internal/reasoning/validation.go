package reasoning

import (
	"strings"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// ValidateOption checks that choice is one of options, ignoring case and
// surrounding space, and returns the canonical option. An empty option list
// accepts any choice.
func ValidateOption(options []string, choice string) (string, error) {
	if len(options) == 0 {
		return choice, nil
	}
	want := strings.TrimSpace(choice)
	for _, opt := range options {
		if strings.EqualFold(opt, want) {
			return opt, nil
		}
	}
	return "", schema.NewStepError(schema.ClassValidation,
		"decision %q is not one of the allowed options [%s]", choice, strings.Join(options, ", "))
}
