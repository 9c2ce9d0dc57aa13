package validation

import (
	"context"

	"github.com/rendis/prodtrack/pkg/schema"
)

// Validator checks step submissions and activity requests before anything is
// persisted. Uses JSON Schema Draft 2020-12 for shape checks and CEL for
// per-step cross-field rules.
type Validator interface {
	ValidateForm(ctx context.Context, def schema.StepDefinition, form schema.FormData, workflow map[string]any) error
	ValidateActivity(request any) error
	CompileRules(defs []schema.StepDefinition) error
}
