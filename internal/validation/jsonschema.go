package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/prodtrack/internal/expressions"
	"github.com/rendis/prodtrack/pkg/schema"
)

const (
	formSchemaURL     = "https://prodtrack.dev/schemas/form.json"
	activitySchemaURL = "https://prodtrack.dev/schemas/activity.json"
)

// formSchemaJSON is the JSON Schema for a step submission.
const formSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://prodtrack.dev/schemas/form.json",
  "type": "object",
  "required": ["name", "languages", "date", "recordedStatus"],
  "properties": {
    "name": { "type": "string", "minLength": 1, "pattern": "\\S" },
    "languages": {
      "type": "array",
      "minItems": 1,
      "uniqueItems": true,
      "items": { "type": "string", "minLength": 1, "pattern": "\\S" }
    },
    "date": { "type": "string", "format": "date" },
    "recordedStatus": { "type": "string", "enum": ["going", "completed", "incomplete"] },
    "reason": { "type": "string" }
  },
  "additionalProperties": false
}`

// activitySchemaJSON is the JSON Schema for an externally recorded activity event.
const activitySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://prodtrack.dev/schemas/activity.json",
  "type": "object",
  "required": ["actorId", "subjectId", "action"],
  "properties": {
    "actorId": { "type": "string", "minLength": 1, "pattern": "\\S" },
    "displayName": { "type": "string" },
    "subjectType": { "type": "string" },
    "subjectId": { "type": "string", "minLength": 1, "pattern": "\\S" },
    "action": { "type": "string", "minLength": 1, "pattern": "\\S" },
    "timestamp": { "type": "string", "format": "date-time" },
    "durationMs": { "type": ["integer", "null"], "minimum": 0 },
    "previousValues": { "type": ["object", "null"] },
    "newValues": { "type": ["object", "null"] },
    "metadata": { "type": ["object", "null"] }
  }
}`

var printer = message.NewPrinter(language.English)

// JSONSchemaValidator implements the Validator interface. It is safe for concurrent use.
type JSONSchemaValidator struct {
	formSchema     *jsonschema.Schema
	activitySchema *jsonschema.Schema
	rules          *expressions.CELEngine
}

// NewJSONSchemaValidator compiles the form and activity schemas. rules
// evaluates step catalog rules; when nil a fresh CEL engine is created.
func NewJSONSchemaValidator(rules *expressions.CELEngine) (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, src := range map[string]string{
		formSchemaURL:     formSchemaJSON,
		activitySchemaURL: activitySchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	formSchema, err := c.Compile(formSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile form schema: %w", err)
	}
	activitySchema, err := c.Compile(activitySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile activity schema: %w", err)
	}

	if rules == nil {
		rules, err = expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
	}

	return &JSONSchemaValidator{
		formSchema:     formSchema,
		activitySchema: activitySchema,
		rules:          rules,
	}, nil
}

// ValidateForm checks the shape of form and then the step's rule, if any.
// The rule only runs once the shape is valid.
func (v *JSONSchemaValidator) ValidateForm(ctx context.Context, def schema.StepDefinition, form schema.FormData, workflow map[string]any) error {
	doc, err := toJSONValue(form)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize form data").WithCause(err)
	}

	result := &schema.ValidationResult{}
	if err := v.formSchema.Validate(doc); err != nil {
		result.Merge(toValidationResult(err))
		return withStep(result.ToError(), def.Number)
	}

	if def.Rule != "" {
		ok, err := v.rules.EvaluateBool(ctx, def.Rule, map[string]any{
			"form":     form.AsMap(),
			"workflow": workflow,
			"step":     def.Number,
		})
		if err != nil {
			return withStep(err, def.Number)
		}
		if !ok {
			msg := def.RuleMessage
			if msg == "" {
				msg = fmt.Sprintf("step rule not satisfied: %s", def.Rule)
			}
			result.Add("form", msg)
		}
	}

	return withStep(result.ToError(), def.Number)
}

// ValidateActivity checks an activity request. request is any value whose
// JSON form carries the activity fields (actorId, subjectId, action, ...).
func (v *JSONSchemaValidator) ValidateActivity(request any) error {
	if request == nil {
		return schema.NewError(schema.ErrCodeValidation, "activity request is nil")
	}
	doc, err := toJSONValue(request)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize activity request").WithCause(err)
	}
	if err := v.activitySchema.Validate(doc); err != nil {
		return toValidationResult(err).ToError()
	}
	return nil
}

// CompileRules compiles every rule in defs so a broken catalog fails at startup.
func (v *JSONSchemaValidator) CompileRules(defs []schema.StepDefinition) error {
	for _, def := range defs {
		if def.Rule == "" {
			continue
		}
		if err := v.rules.Check(def.Rule); err != nil {
			return withStep(err, def.Number)
		}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationResult converts a jsonschema error tree into field violations.
func toValidationResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		result.Add("(root)", err.Error())
		return result
	}
	collectViolations(verr, result)
	if result.Valid() {
		result.Add("(root)", verr.Error())
	}
	return result
}

// collectViolations walks a ValidationError tree and records its leaves.
// Required-property failures are reported against the missing field itself.
func collectViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			collectViolations(cause, result)
		}
		return
	}

	field := strings.Join(verr.InstanceLocation, ".")
	if req, ok := verr.ErrorKind.(*kind.Required); ok {
		for _, missing := range req.Missing {
			result.Add(joinField(field, missing), "is required")
		}
		return
	}
	if field == "" {
		field = "(root)"
	}
	result.Add(field, verr.ErrorKind.LocalizedString(printer))
}

func joinField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func withStep(err error, step int) error {
	var pe *schema.ProdError
	if errors.As(err, &pe) && pe.Step == 0 {
		pe.WithStep(step)
	}
	return err
}

var _ Validator = (*JSONSchemaValidator)(nil)
