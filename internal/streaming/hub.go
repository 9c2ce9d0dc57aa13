package streaming

import (
	"context"
	"time"

	"github.com/rendis/prodtrack/pkg/schema"
)

// ChangeKind names what happened to a workflow.
type ChangeKind string

const (
	ChangeStarted   ChangeKind = "started"
	ChangeCompleted ChangeKind = "step_completed"
	ChangeEdited    ChangeKind = "step_edited"
)

// WorkflowChange is published after a workflow is created or a step commit
// succeeds. Subscribers re-fetch the workflow rather than trusting the payload
// as a full snapshot.
type WorkflowChange struct {
	WorkflowID  string                `json:"workflowId"`
	ScheduleID  string                `json:"scheduleId"`
	AssigneeID  string                `json:"assigneeId"`
	Kind        ChangeKind            `json:"kind"`
	StepNumber  int                   `json:"stepNumber,omitempty"`
	CurrentStep int                   `json:"currentStep"`
	Status      schema.WorkflowStatus `json:"status"`
	Version     int64                 `json:"version"`
	At          time.Time             `json:"at"`
}

// ChangeFilter specifies which changes a subscriber wants to receive.
type ChangeFilter struct {
	WorkflowID string       `json:"workflowId,omitempty"`
	ScheduleID string       `json:"scheduleId,omitempty"`
	Kinds      []ChangeKind `json:"kinds,omitempty"`
}

// EventHub is the observer interface between the step editor and anything
// that caches or displays workflow state.
type EventHub interface {
	Publish(ctx context.Context, change WorkflowChange) error
	Subscribe(ctx context.Context, filter ChangeFilter) (<-chan WorkflowChange, func(), error)
}
