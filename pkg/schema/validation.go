package schema

import "fmt"

// FieldViolation is a single field-level validation problem.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult aggregates field violations collected while checking a request.
type ValidationResult struct {
	Violations []FieldViolation `json:"violations,omitempty"`
}

// Valid returns true if nothing was reported.
func (r *ValidationResult) Valid() bool {
	return len(r.Violations) == 0
}

// Add appends a violation for field.
func (r *ValidationResult) Add(field, message string) {
	r.Violations = append(r.Violations, FieldViolation{Field: field, Message: message})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// ToError converts the result to a ProdError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := fmt.Sprintf("%s: %s", r.Violations[0].Field, r.Violations[0].Message)
	if len(r.Violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Violations))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": r.Violations})
}
