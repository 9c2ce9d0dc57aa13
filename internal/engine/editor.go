package engine

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rendis/prodtrack/internal/identity"
	"github.com/rendis/prodtrack/internal/logging"
	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/internal/streaming"
	"github.com/rendis/prodtrack/internal/validation"
	"github.com/rendis/prodtrack/pkg/schema"
)

// StepEditor drives workflows through the step catalog: it creates them,
// completes the next step, corrects already-completed steps and reports
// progress.
type StepEditor interface {
	// Start returns the workflow for (ScheduleID, AssigneeID), creating it on
	// first call. created reports whether this call inserted it.
	Start(ctx context.Context, actor schema.Actor, req StartRequest) (wf *store.Workflow, created bool, err error)

	// CompleteStep records stepNumber, which must be currentStep+1, and
	// advances the workflow.
	CompleteStep(ctx context.Context, actor schema.Actor, workflowID string, stepNumber int, form schema.FormData, opts ...SubmitOption) (*store.Workflow, error)

	// EditStep replaces the form of an already-completed step without moving
	// currentStep.
	EditStep(ctx context.Context, actor schema.Actor, workflowID string, stepNumber int, form schema.FormData, opts ...SubmitOption) (*store.Workflow, error)

	// Submit edits stepNumber when it is at or below currentStep and
	// completes it otherwise. The returned mode says which happened. With
	// WithExpectedVersion the choice is made against that version, so a
	// caller that lost a race gets CONFLICT instead of an edit.
	Submit(ctx context.Context, actor schema.Actor, workflowID string, stepNumber int, form schema.FormData, opts ...SubmitOption) (*store.Workflow, schema.CommitMode, error)

	Get(ctx context.Context, workflowID string) (*store.Workflow, error)
	List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	Progress(ctx context.Context, workflowID string) (*Progress, error)
}

// AuditRecorder receives every activity event the editor emits. Recording is
// fire-and-forget: implementations must not block the caller and report their
// own failures.
type AuditRecorder interface {
	RecordEvent(ctx context.Context, event *store.ActivityEvent)
}

// SubmitOption tunes a single step submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	expectedVersion int64
}

// WithExpectedVersion makes the submission fail with CONFLICT unless the
// workflow is still at version v. Zero means no expectation.
func WithExpectedVersion(v int64) SubmitOption {
	return func(o *submitOptions) { o.expectedVersion = v }
}

func applySubmitOptions(opts []SubmitOption) submitOptions {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// load reads workflowID and checks it against the expected version.
func (e *editorImpl) load(ctx context.Context, workflowID string, o submitOptions) (*store.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if o.expectedVersion > 0 && wf.Version != o.expectedVersion {
		return nil, store.ConflictError(wf.ID, o.expectedVersion, wf.Version)
	}
	return wf, nil
}

// StartRequest identifies the (schedule, assignee) pair a workflow tracks.
type StartRequest struct {
	ScheduleID     string `json:"scheduleId"`
	AssigneeID     string `json:"assigneeId"`
	DepartmentName string `json:"departmentName"`
}

// Progress is the progress map of one workflow: every catalog step with its
// display status and stored record.
type Progress struct {
	WorkflowID  string                `json:"workflowId"`
	ScheduleID  string                `json:"scheduleId"`
	AssigneeID  string                `json:"assigneeId"`
	CurrentStep int                   `json:"currentStep"`
	TotalSteps  int                   `json:"totalSteps"`
	Status      schema.WorkflowStatus `json:"status"`
	Version     int64                 `json:"version"`
	Steps       []StepProgress        `json:"steps"`
}

// StepProgress is one row of a progress map.
type StepProgress struct {
	StepNumber int                  `json:"stepNumber"`
	Key        string               `json:"key"`
	Label      string               `json:"label"`
	Status     schema.DisplayStatus `json:"status"`
	Record     *store.StepRecord    `json:"record,omitempty"`
}

// EditorConfig holds the editor's collaborators. Store and Validator are
// required; the rest default to no-ops, the default catalog and the wall clock.
type EditorConfig struct {
	Store     store.WorkflowStore
	Catalog   *StepCatalog
	Validator validation.Validator
	Audit     AuditRecorder
	Hub       streaming.EventHub
	Clock     clock.Clock
	Logger    *slog.Logger
}

type editorImpl struct {
	store     store.WorkflowStore
	catalog   *StepCatalog
	validator validation.Validator
	audit     AuditRecorder
	hub       streaming.EventHub
	clock     clock.Clock
	logger    *slog.Logger
}

// NewStepEditor creates a StepEditor with the given dependencies.
func NewStepEditor(cfg EditorConfig) StepEditor {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultStepCatalog()
	}
	if cfg.Audit == nil {
		cfg.Audit = nopRecorder{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &editorImpl{
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		validator: cfg.Validator,
		audit:     cfg.Audit,
		hub:       cfg.Hub,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
}

func (e *editorImpl) Start(ctx context.Context, actor schema.Actor, req StartRequest) (*store.Workflow, bool, error) {
	if err := identity.ValidateActor(actor); err != nil {
		return nil, false, err
	}
	if err := validateStart(req); err != nil {
		return nil, false, err
	}

	now := e.clock.Now().UTC()
	wf, created, err := e.store.GetOrCreateWorkflow(ctx, &store.Workflow{
		ScheduleID:     strings.TrimSpace(req.ScheduleID),
		AssigneeID:     strings.TrimSpace(req.AssigneeID),
		DepartmentName: strings.TrimSpace(req.DepartmentName),
		TotalSteps:     e.catalog.Len(),
		Steps:          []store.StepRecord{},
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return wf, false, nil
	}

	ctx = logging.WithIDs(ctx, wf.ID, 0, actor.ID)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "workflow started",
		"schedule_id", wf.ScheduleID, "assignee_id", wf.AssigneeID)

	e.audit.RecordEvent(ctx, &store.ActivityEvent{
		Actor:       actor,
		SubjectType: schema.SubjectSchedule,
		SubjectID:   wf.ScheduleID,
		Action:      schema.ActionScheduleStart,
		Timestamp:   now,
		NewValues: map[string]any{
			"workflowId":     wf.ID,
			"assigneeId":     wf.AssigneeID,
			"departmentName": wf.DepartmentName,
			"totalSteps":     wf.TotalSteps,
		},
		Metadata: map[string]any{"workflowId": wf.ID},
	})
	e.publish(ctx, wf, streaming.ChangeStarted, 0, now)
	return wf, true, nil
}

func validateStart(req StartRequest) error {
	result := &schema.ValidationResult{}
	if strings.TrimSpace(req.ScheduleID) == "" {
		result.Add("scheduleId", "is required")
	}
	if strings.TrimSpace(req.AssigneeID) == "" {
		result.Add("assigneeId", "is required")
	}
	return result.ToError()
}

func (e *editorImpl) CompleteStep(ctx context.Context, actor schema.Actor, workflowID string, stepNumber int, form schema.FormData, opts ...SubmitOption) (*store.Workflow, error) {
	if err := identity.ValidateActor(actor); err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, workflowID, stepNumber, actor.ID)

	wf, err := e.load(ctx, workflowID, applySubmitOptions(opts))
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(wf, stepNumber, schema.ModeComplete); err != nil {
		return nil, err
	}
	def, _ := e.catalog.Get(stepNumber)
	if err := e.validator.ValidateForm(ctx, def, form, workflowVars(wf)); err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	since := wf.CreatedAt
	if prev, ok := wf.Step(stepNumber - 1); ok {
		since = prev.CompletedAt
	}

	next := wf.Clone()
	next.Steps = append(next.Steps, store.StepRecord{
		StepNumber:  stepNumber,
		FormData:    form.Clone(),
		CompletedAt: now,
	})
	next.CurrentStep = stepNumber
	corrections := ApplyCascade(next)

	if err := e.store.CommitStep(ctx, next, schema.ModeComplete); err != nil {
		return nil, err
	}

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "step completed",
		"current_step", next.CurrentStep, "status", next.Status())

	metadata := map[string]any{
		"workflowId":  next.ID,
		"stepNumber":  stepNumber,
		"stepKey":     def.Key,
		"scheduleId":  next.ScheduleID,
		"assigneeId":  next.AssigneeID,
		"currentStep": next.CurrentStep,
	}
	if len(corrections) > 0 {
		metadata["cascade"] = corrections
	}
	e.audit.RecordEvent(ctx, &store.ActivityEvent{
		Actor:       actor,
		SubjectType: schema.SubjectWorkflow,
		SubjectID:   next.ID,
		Action:      schema.ActionWorkflowStepComplete,
		Timestamp:   now,
		DurationMs:  elapsedMs(since, now),
		NewValues:   form.AsMap(),
		Metadata:    metadata,
	})

	if next.Status() == schema.WorkflowStatusCompleted {
		e.audit.RecordEvent(ctx, &store.ActivityEvent{
			Actor:       actor,
			SubjectType: schema.SubjectSchedule,
			SubjectID:   next.ScheduleID,
			Action:      schema.ActionScheduleComplete,
			Timestamp:   now,
			DurationMs:  elapsedMs(next.CreatedAt, now),
			Metadata: map[string]any{
				"workflowId": next.ID,
				"assigneeId": next.AssigneeID,
				"totalSteps": next.TotalSteps,
			},
		})
	}

	e.publish(ctx, next, streaming.ChangeCompleted, stepNumber, now)
	return next, nil
}

func (e *editorImpl) EditStep(ctx context.Context, actor schema.Actor, workflowID string, stepNumber int, form schema.FormData, opts ...SubmitOption) (*store.Workflow, error) {
	if err := identity.ValidateActor(actor); err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, workflowID, stepNumber, actor.ID)

	wf, err := e.load(ctx, workflowID, applySubmitOptions(opts))
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(wf, stepNumber, schema.ModeEdit); err != nil {
		return nil, err
	}
	def, _ := e.catalog.Get(stepNumber)
	if err := e.validator.ValidateForm(ctx, def, form, workflowVars(wf)); err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	next := wf.Clone()
	record, _ := next.Step(stepNumber)
	previous := record.FormData.AsMap()
	record.FormData = form.Clone()
	record.LastEditedAt = &now

	if err := e.store.CommitStep(ctx, next, schema.ModeEdit); err != nil {
		return nil, err
	}

	updated := form.AsMap()
	changed := changedFields(previous, updated)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "step edited", "changed_fields", changed)

	e.audit.RecordEvent(ctx, &store.ActivityEvent{
		Actor:          actor,
		SubjectType:    schema.SubjectWorkflow,
		SubjectID:      next.ID,
		Action:         schema.ActionWorkflowStepEdit,
		Timestamp:      now,
		PreviousValues: previous,
		NewValues:      updated,
		Metadata: map[string]any{
			"workflowId":    next.ID,
			"stepNumber":    stepNumber,
			"stepKey":       def.Key,
			"scheduleId":    next.ScheduleID,
			"assigneeId":    next.AssigneeID,
			"currentStep":   next.CurrentStep,
			"changedFields": changed,
		},
	})

	e.publish(ctx, next, streaming.ChangeEdited, stepNumber, now)
	return next, nil
}

func (e *editorImpl) Submit(ctx context.Context, actor schema.Actor, workflowID string, stepNumber int, form schema.FormData, opts ...SubmitOption) (*store.Workflow, schema.CommitMode, error) {
	wf, err := e.load(ctx, workflowID, applySubmitOptions(opts))
	if err != nil {
		return nil, "", err
	}
	// The edit or complete path re-reads the workflow; pinning the version
	// read here keeps a concurrent commit from switching the mode.
	pinned := WithExpectedVersion(wf.Version)
	if stepNumber >= 1 && stepNumber <= wf.CurrentStep {
		next, err := e.EditStep(ctx, actor, workflowID, stepNumber, form, pinned)
		return next, schema.ModeEdit, err
	}
	next, err := e.CompleteStep(ctx, actor, workflowID, stepNumber, form, pinned)
	return next, schema.ModeComplete, err
}

func (e *editorImpl) Get(ctx context.Context, workflowID string) (*store.Workflow, error) {
	return e.store.GetWorkflow(ctx, workflowID)
}

func (e *editorImpl) List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}

func (e *editorImpl) Progress(ctx context.Context, workflowID string) (*Progress, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return BuildProgress(wf, e.catalog), nil
}

// BuildProgress renders wf against catalog. Steps beyond the catalog are
// labelled by number only.
func BuildProgress(wf *store.Workflow, catalog *StepCatalog) *Progress {
	p := &Progress{
		WorkflowID:  wf.ID,
		ScheduleID:  wf.ScheduleID,
		AssigneeID:  wf.AssigneeID,
		CurrentStep: wf.CurrentStep,
		TotalSteps:  wf.TotalSteps,
		Status:      wf.Status(),
		Version:     wf.Version,
		Steps:       make([]StepProgress, 0, wf.TotalSteps),
	}
	for n := 1; n <= wf.TotalSteps; n++ {
		row := StepProgress{StepNumber: n, Status: DeriveDisplayStatus(wf, n)}
		if def, ok := catalog.Get(n); ok {
			row.Key = def.Key
			row.Label = def.Label
		}
		if rec, ok := wf.Step(n); ok {
			cp := *rec
			row.Record = &cp
		}
		p.Steps = append(p.Steps, row)
	}
	return p
}

func (e *editorImpl) publish(ctx context.Context, wf *store.Workflow, kind streaming.ChangeKind, stepNumber int, at time.Time) {
	if e.hub == nil {
		return
	}
	err := e.hub.Publish(ctx, streaming.WorkflowChange{
		WorkflowID:  wf.ID,
		ScheduleID:  wf.ScheduleID,
		AssigneeID:  wf.AssigneeID,
		Kind:        kind,
		StepNumber:  stepNumber,
		CurrentStep: wf.CurrentStep,
		Status:      wf.Status(),
		Version:     wf.Version,
		At:          at,
	})
	if err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "publish workflow change failed",
			"kind", string(kind), "error", err)
	}
}

// workflowVars exposes the workflow to step rules.
func workflowVars(wf *store.Workflow) map[string]any {
	return map[string]any{
		"id":             wf.ID,
		"scheduleId":     wf.ScheduleID,
		"assigneeId":     wf.AssigneeID,
		"departmentName": wf.DepartmentName,
		"currentStep":    wf.CurrentStep,
		"totalSteps":     wf.TotalSteps,
	}
}

func elapsedMs(from, to time.Time) *int64 {
	if from.IsZero() {
		return nil
	}
	ms := to.Sub(from).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms
}

func changedFields(before, after map[string]any) []string {
	var out []string
	for k, v := range after {
		if !reflect.DeepEqual(before[k], v) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

type nopRecorder struct{}

func (nopRecorder) RecordEvent(context.Context, *store.ActivityEvent) {}
