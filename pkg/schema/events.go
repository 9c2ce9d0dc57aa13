package schema

// Activity action tags. The set is open: callers may record any non-empty
// action string, these are the ones the workflow engine emits itself.
const (
	ActionScheduleStart        = "schedule_start"
	ActionScheduleComplete     = "schedule_complete"
	ActionWorkflowStepComplete = "workflow_step_complete"
	ActionWorkflowStepEdit     = "workflow_step_edit"
	ActionWorkflowStalled      = "workflow_stalled"
)

// Subject types for activity events.
const (
	SubjectSchedule  = "schedule"
	SubjectWorkflow  = "workflow"
	SubjectThumbnail = "thumbnail"
)

// WorkflowStatus is derived from a workflow's current step.
type WorkflowStatus string

const (
	WorkflowStatusNotStarted WorkflowStatus = "not_started"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
)

// DisplayStatus is the per-step status shown on a progress map.
type DisplayStatus string

const (
	DisplayCompleted  DisplayStatus = "completed"
	DisplayActive     DisplayStatus = "active"
	DisplayGoing      DisplayStatus = "going"
	DisplayNotReached DisplayStatus = "not_reached"
)

// CommitMode distinguishes forward completion from in-place correction.
type CommitMode string

const (
	ModeComplete CommitMode = "complete"
	ModeEdit     CommitMode = "edit"
)
