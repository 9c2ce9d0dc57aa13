package engine

import (
	"fmt"

	"github.com/rendis/prodtrack/pkg/schema"
)

// StepCatalog is the fixed, ordered step sequence every workflow follows.
// N is the catalog length.
type StepCatalog struct {
	steps []schema.StepDefinition
}

// DefaultSteps is the content production sequence.
var DefaultSteps = []schema.StepDefinition{
	{Number: 1, Key: "brief", Label: "Brief"},
	{Number: 2, Key: "script", Label: "Script"},
	{
		Number:      3,
		Key:         "recording",
		Label:       "Recording",
		Rule:        `form.recordedStatus != "incomplete" || size(form.reason) > 0`,
		RuleMessage: "a reason is required when the recording is incomplete",
	},
	{Number: 4, Key: "editing", Label: "Editing"},
	{Number: 5, Key: "thumbnail", Label: "Thumbnail"},
	{Number: 6, Key: "review", Label: "Review"},
	{Number: 7, Key: "publish", Label: "Publish"},
}

// NewStepCatalog validates defs and builds a catalog. Steps must be numbered
// 1..N in order with unique, non-empty keys and labels.
func NewStepCatalog(defs []schema.StepDefinition) (*StepCatalog, error) {
	if len(defs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "step catalog must define at least one step")
	}

	seen := make(map[string]struct{}, len(defs))
	steps := make([]schema.StepDefinition, len(defs))
	for i, def := range defs {
		if def.Number != i+1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %q is numbered %d, expected %d", def.Key, def.Number, i+1)
		}
		if def.Key == "" || def.Label == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "step key and label are required").WithStep(def.Number)
		}
		if _, dup := seen[def.Key]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step key %q", def.Key).WithStep(def.Number)
		}
		seen[def.Key] = struct{}{}
		steps[i] = def
	}
	return &StepCatalog{steps: steps}, nil
}

// DefaultStepCatalog returns the catalog built from DefaultSteps.
func DefaultStepCatalog() *StepCatalog {
	c, err := NewStepCatalog(DefaultSteps)
	if err != nil {
		panic(fmt.Sprintf("default step catalog: %v", err))
	}
	return c
}

// Len returns N.
func (c *StepCatalog) Len() int { return len(c.steps) }

// Get returns the definition for stepNumber.
func (c *StepCatalog) Get(stepNumber int) (schema.StepDefinition, bool) {
	if stepNumber < 1 || stepNumber > len(c.steps) {
		return schema.StepDefinition{}, false
	}
	return c.steps[stepNumber-1], true
}

// Steps returns a copy of the definitions in order.
func (c *StepCatalog) Steps() []schema.StepDefinition {
	return append([]schema.StepDefinition(nil), c.steps...)
}
