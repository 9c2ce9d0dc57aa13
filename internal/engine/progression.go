package engine

import (
	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/pkg/schema"
)

// ValidateTransition checks whether stepNumber may be committed under mode
// against the snapshot wf. It never mutates wf.
//
//   - complete is legal only for wf.CurrentStep+1
//   - edit is legal only for a step at or below wf.CurrentStep; anything
//     above was never reached and reports NOT_FOUND
//   - a step outside 1..TotalSteps is a VALIDATION_ERROR for either mode
func ValidateTransition(wf *store.Workflow, stepNumber int, mode schema.CommitMode) error {
	if stepNumber < 1 || stepNumber > wf.TotalSteps {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %d is outside the workflow's steps 1..%d", stepNumber, wf.TotalSteps).
			WithStep(stepNumber)
	}

	switch mode {
	case schema.ModeComplete:
		if stepNumber != wf.CurrentStep+1 {
			return outOfSequence(wf, stepNumber)
		}
		return nil

	case schema.ModeEdit:
		if stepNumber > wf.CurrentStep {
			return schema.NewErrorf(schema.ErrCodeNotFound,
				"step %d has not been completed yet and cannot be edited", stepNumber).
				WithStep(stepNumber).
				WithDetails(map[string]any{"current_step": wf.CurrentStep})
		}
		if _, ok := wf.Step(stepNumber); !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound,
				"step %d has no stored record", stepNumber).WithStep(stepNumber)
		}
		return nil

	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown commit mode %q", mode)
	}
}

func outOfSequence(wf *store.Workflow, stepNumber int) *schema.ProdError {
	if wf.CurrentStep >= wf.TotalSteps {
		return schema.NewErrorf(schema.ErrCodeOutOfSequence,
			"step %d cannot be completed: all %d steps are already completed", stepNumber, wf.TotalSteps).
			WithStep(stepNumber).
			WithDetails(map[string]any{"current_step": wf.CurrentStep})
	}
	return schema.NewErrorf(schema.ErrCodeOutOfSequence,
		"step %d cannot be completed: workflow is at step %d, complete step %d first",
		stepNumber, wf.CurrentStep, wf.CurrentStep+1).
		WithStep(stepNumber).
		WithDetails(map[string]any{
			"current_step":  wf.CurrentStep,
			"expected_step": wf.CurrentStep + 1,
		})
}

// CascadeCorrection describes a forced change applied to an earlier step as
// a side effect of completing a later one.
type CascadeCorrection struct {
	StepNumber     int                   `json:"stepNumber"`
	Field          string                `json:"field"`
	PreviousStatus schema.RecordedStatus `json:"previousStatus"`
	NewStatus      schema.RecordedStatus `json:"newStatus"`
}

// ApplyCascade applies the step-2 completion rule to wf in place: once step 2
// is completed, step 1's recorded status is forced to completed whatever was
// submitted for it. Only the 1/2 pair is affected. Returns the corrections
// made, empty when nothing changed.
func ApplyCascade(wf *store.Workflow) []CascadeCorrection {
	if wf.CurrentStep != 2 {
		return nil
	}
	first, ok := wf.Step(1)
	if !ok || first.FormData.RecordedStatus == schema.RecordedCompleted {
		return nil
	}

	correction := CascadeCorrection{
		StepNumber:     1,
		Field:          "recordedStatus",
		PreviousStatus: first.FormData.RecordedStatus,
		NewStatus:      schema.RecordedCompleted,
	}
	first.FormData.RecordedStatus = schema.RecordedCompleted
	return []CascadeCorrection{correction}
}

// DeriveDisplayStatus returns how stepNumber should be shown on a progress map.
// Steps at or below the current step show completed, except step 1 while the
// workflow sits at step 1, which shows going. Steps outside 1..TotalSteps are
// never reached.
func DeriveDisplayStatus(wf *store.Workflow, stepNumber int) schema.DisplayStatus {
	switch {
	case stepNumber < 1 || stepNumber > wf.TotalSteps:
		return schema.DisplayNotReached
	case stepNumber == 1 && wf.CurrentStep == 1:
		return schema.DisplayGoing
	case stepNumber <= wf.CurrentStep:
		return schema.DisplayCompleted
	case stepNumber == wf.CurrentStep+1:
		return schema.DisplayActive
	default:
		return schema.DisplayNotReached
	}
}
