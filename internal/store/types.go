package store

import (
	"time"

	"github.com/rendis/prodtrack/pkg/schema"
)

// Workflow is the persisted progress of one assignee through the step
// sequence of one schedule. Exactly one exists per (ScheduleID, AssigneeID).
type Workflow struct {
	ID             string       `json:"id"`
	ScheduleID     string       `json:"scheduleId"`
	AssigneeID     string       `json:"assigneeId"`
	DepartmentName string       `json:"departmentName"`
	CurrentStep    int          `json:"currentStep"`
	TotalSteps     int          `json:"totalSteps"`
	Steps          []StepRecord `json:"steps"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Status derives the lifecycle status from CurrentStep.
func (w *Workflow) Status() schema.WorkflowStatus {
	switch {
	case w.CurrentStep <= 0:
		return schema.WorkflowStatusNotStarted
	case w.CurrentStep >= w.TotalSteps:
		return schema.WorkflowStatusCompleted
	default:
		return schema.WorkflowStatusInProgress
	}
}

// Step returns the record for stepNumber, if one was stored.
func (w *Workflow) Step(stepNumber int) (*StepRecord, bool) {
	for i := range w.Steps {
		if w.Steps[i].StepNumber == stepNumber {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so callers can build the next snapshot without
// touching the one they read.
func (w *Workflow) Clone() *Workflow {
	out := *w
	out.Steps = make([]StepRecord, len(w.Steps))
	for i, s := range w.Steps {
		out.Steps[i] = s.clone()
	}
	return &out
}

// StepRecord holds what was submitted for one step.
type StepRecord struct {
	StepNumber   int             `json:"stepNumber"`
	FormData     schema.FormData `json:"formData"`
	CompletedAt  time.Time       `json:"completedAt"`
	LastEditedAt *time.Time      `json:"lastEditedAt,omitempty"`
}

func (s StepRecord) clone() StepRecord {
	out := s
	out.FormData = s.FormData.Clone()
	if s.LastEditedAt != nil {
		t := *s.LastEditedAt
		out.LastEditedAt = &t
	}
	return out
}

// ActivityEvent is an immutable entry in the activity log.
type ActivityEvent struct {
	ID             string         `json:"id"`
	Actor          schema.Actor   `json:"actor"`
	SubjectType    string         `json:"subjectType"`
	SubjectID      string         `json:"subjectId"`
	Action         string         `json:"action"`
	Timestamp      time.Time      `json:"timestamp"`
	DurationMs     *int64         `json:"durationMs,omitempty"`
	PreviousValues map[string]any `json:"previousValues,omitempty"`
	NewValues      map[string]any `json:"newValues,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// --- Filter types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	ScheduleID     string                 `json:"scheduleId,omitempty"`
	AssigneeID     string                 `json:"assigneeId,omitempty"`
	DepartmentName string                 `json:"departmentName,omitempty"`
	Status         *schema.WorkflowStatus `json:"status,omitempty"`
	UpdatedBefore  *time.Time             `json:"updatedBefore,omitempty"`
	Limit          int                    `json:"limit,omitempty"`
	Offset         int                    `json:"offset,omitempty"`
}

// SortOrder selects timestamp ordering for activity queries.
type SortOrder int

const (
	SortDescending SortOrder = iota
	SortAscending
)

// ActivityFilter specifies criteria for listing activity events.
type ActivityFilter struct {
	ActorID     string     `json:"actorId,omitempty"`
	SubjectID   string     `json:"subjectId,omitempty"`
	SubjectType string     `json:"subjectType,omitempty"`
	Action      string     `json:"action,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
