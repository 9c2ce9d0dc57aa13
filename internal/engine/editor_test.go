package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/prodtrack/internal/logging"
	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/internal/streaming"
	"github.com/rendis/prodtrack/internal/validation"
	"github.com/rendis/prodtrack/pkg/schema"
)

// recordingAudit captures emitted events synchronously.
type recordingAudit struct {
	mu     sync.Mutex
	events []*store.ActivityEvent
}

func (r *recordingAudit) RecordEvent(_ context.Context, event *store.ActivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAudit) byAction(action string) []*store.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*store.ActivityEvent
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type editorFixture struct {
	editor StepEditor
	store  *store.MemoryStore
	audit  *recordingAudit
	hub    *streaming.MemoryHub
	clock  *clock.Mock
}

var drX = schema.Actor{ID: "u-1", DisplayName: "Dr. X"}

func newEditorFixture(t *testing.T) *editorFixture {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator(nil)
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	f := &editorFixture{
		store: store.NewMemoryStore(),
		audit: &recordingAudit{},
		hub:   streaming.NewMemoryHub(),
		clock: clk,
	}
	f.editor = NewStepEditor(EditorConfig{
		Store:     f.store,
		Validator: v,
		Audit:     f.audit,
		Hub:       f.hub,
		Clock:     clk,
		Logger:    logging.Discard(),
	})
	return f
}

func stepForm(name string) schema.FormData {
	return schema.FormData{
		Name:           name,
		Languages:      []string{"en"},
		Date:           "2024-05-01",
		RecordedStatus: schema.RecordedGoing,
	}
}

func (f *editorFixture) start(t *testing.T) *store.Workflow {
	t.Helper()
	wf, created, err := f.editor.Start(context.Background(), drX, StartRequest{
		ScheduleID:     "S1",
		AssigneeID:     "Dr. X",
		DepartmentName: "Cardiology",
	})
	require.NoError(t, err)
	require.True(t, created)
	return wf
}

func (f *editorFixture) completeThrough(t *testing.T, id string, last int) *store.Workflow {
	t.Helper()
	var wf *store.Workflow
	for k := 1; k <= last; k++ {
		f.clock.Add(time.Minute)
		var err error
		wf, err = f.editor.CompleteStep(context.Background(), drX, id, k, stepForm("step"))
		require.NoError(t, err, "complete step %d", k)
	}
	return wf
}

func TestStart_CreatesOnce(t *testing.T) {
	f := newEditorFixture(t)
	wf := f.start(t)

	assert.Equal(t, 0, wf.CurrentStep)
	assert.Equal(t, 7, wf.TotalSteps)
	assert.Equal(t, schema.WorkflowStatusNotStarted, wf.Status())

	again, created, err := f.editor.Start(context.Background(), drX, StartRequest{ScheduleID: "S1", AssigneeID: "Dr. X"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, wf.ID, again.ID)

	starts := f.audit.byAction(schema.ActionScheduleStart)
	require.Len(t, starts, 1)
	assert.Equal(t, schema.SubjectSchedule, starts[0].SubjectType)
	assert.Equal(t, "S1", starts[0].SubjectID)
	assert.Equal(t, drX, starts[0].Actor)
}

func TestStart_Validation(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()

	_, _, err := f.editor.Start(ctx, drX, StartRequest{AssigneeID: "a"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, _, err = f.editor.Start(ctx, drX, StartRequest{ScheduleID: "S1", AssigneeID: "  "})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, _, err = f.editor.Start(ctx, schema.Actor{}, StartRequest{ScheduleID: "S1", AssigneeID: "a"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.Equal(t, 0, f.store.Len())
}

func TestScenarioA_CascadeOnStepTwo(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)

	wf, err := f.editor.CompleteStep(ctx, drX, wf.ID, 1, stepForm("Brief"))
	require.NoError(t, err)
	assert.Equal(t, 1, wf.CurrentStep)
	assert.Equal(t, schema.DisplayGoing, DeriveDisplayStatus(wf, 1))
	assert.Equal(t, schema.DisplayActive, DeriveDisplayStatus(wf, 2))

	wf, err = f.editor.CompleteStep(ctx, drX, wf.ID, 2, stepForm("Script"))
	require.NoError(t, err)
	assert.Equal(t, 2, wf.CurrentStep)

	first, ok := wf.Step(1)
	require.True(t, ok)
	assert.Equal(t, schema.RecordedCompleted, first.FormData.RecordedStatus)
	assert.Equal(t, schema.DisplayCompleted, DeriveDisplayStatus(wf, 1))
	assert.Equal(t, schema.DisplayCompleted, DeriveDisplayStatus(wf, 2))

	stored, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	storedFirst, _ := stored.Step(1)
	assert.Equal(t, schema.RecordedCompleted, storedFirst.FormData.RecordedStatus)

	completes := f.audit.byAction(schema.ActionWorkflowStepComplete)
	require.Len(t, completes, 2)
	assert.NotContains(t, completes[0].Metadata, "cascade")
	assert.Contains(t, completes[1].Metadata, "cascade")
}

func TestScenarioB_OutOfSequenceLeavesWorkflowUnchanged(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)
	f.completeThrough(t, wf.ID, 2)

	before, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	eventsBefore := len(f.audit.events)

	_, err = f.editor.CompleteStep(ctx, drX, wf.ID, 5, stepForm("Thumbnail"))
	require.Error(t, err)

	var pe *schema.ProdError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeOutOfSequence, pe.Code)
	assert.Equal(t, 5, pe.Step)

	after, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 2, after.CurrentStep)
	assert.Len(t, f.audit.events, eventsBefore)
}

func TestScenarioC_EditKeepsCurrentStep(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)
	f.completeThrough(t, wf.ID, 2)

	before, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	f.clock.Add(time.Hour)

	original, _ := before.Step(1)
	form := original.FormData.Clone()
	form.Reason = "re-shot intro"

	edited, err := f.editor.EditStep(ctx, drX, wf.ID, 1, form)
	require.NoError(t, err)
	assert.Equal(t, 2, edited.CurrentStep)

	rec, ok := edited.Step(1)
	require.True(t, ok)
	assert.Equal(t, "re-shot intro", rec.FormData.Reason)
	require.NotNil(t, rec.LastEditedAt)
	assert.Equal(t, f.clock.Now().UTC(), *rec.LastEditedAt)
	assert.Equal(t, original.CompletedAt, rec.CompletedAt)

	// Step 2 is untouched.
	second, _ := edited.Step(2)
	beforeSecond, _ := before.Step(2)
	assert.Equal(t, beforeSecond.FormData, second.FormData)

	edits := f.audit.byAction(schema.ActionWorkflowStepEdit)
	require.Len(t, edits, 1)
	assert.Equal(t, "", edits[0].PreviousValues["reason"])
	assert.Equal(t, "re-shot intro", edits[0].NewValues["reason"])
	assert.Equal(t, []string{"reason"}, edits[0].Metadata["changedFields"])
}

func TestScenarioD_ScheduleComplete(t *testing.T) {
	f := newEditorFixture(t)
	wf := f.start(t)
	created := f.clock.Now().UTC()

	wf = f.completeThrough(t, wf.ID, 7)
	assert.Equal(t, schema.WorkflowStatusCompleted, wf.Status())
	assert.Equal(t, 7, wf.CurrentStep)

	done := f.audit.byAction(schema.ActionScheduleComplete)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].DurationMs)
	assert.Equal(t, f.clock.Now().UTC().Sub(created).Milliseconds(), *done[0].DurationMs)
	assert.Equal(t, int64(7*time.Minute/time.Millisecond), *done[0].DurationMs)

	// Step durations measure from the previous completion.
	completes := f.audit.byAction(schema.ActionWorkflowStepComplete)
	require.Len(t, completes, 7)
	for _, e := range completes {
		require.NotNil(t, e.DurationMs)
		assert.Equal(t, int64(time.Minute/time.Millisecond), *e.DurationMs)
	}

	_, err := f.editor.CompleteStep(context.Background(), drX, wf.ID, 8, stepForm("extra"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCompleteStep_InvalidFormRejectedBeforeMutation(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)

	bad := stepForm("")
	_, err := f.editor.CompleteStep(ctx, drX, wf.ID, 1, bad)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	stored, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentStep)
	assert.Empty(t, stored.Steps)
}

func TestCompleteStep_RecordingRule(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)
	f.completeThrough(t, wf.ID, 2)

	form := stepForm("Recording")
	form.RecordedStatus = schema.RecordedIncomplete
	_, err := f.editor.CompleteStep(ctx, drX, wf.ID, 3, form)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	form.Reason = "talent sick"
	wf, err = f.editor.CompleteStep(ctx, drX, wf.ID, 3, form)
	require.NoError(t, err)
	assert.Equal(t, 3, wf.CurrentStep)
}

func TestEditStep_NotReached(t *testing.T) {
	f := newEditorFixture(t)
	wf := f.start(t)
	f.completeThrough(t, wf.ID, 1)

	_, err := f.editor.EditStep(context.Background(), drX, wf.ID, 2, stepForm("x"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEditStep_DoesNotRerunCascade(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)
	f.completeThrough(t, wf.ID, 2)

	form := stepForm("Brief")
	form.RecordedStatus = schema.RecordedIncomplete
	form.Reason = "rewinding"
	edited, err := f.editor.EditStep(ctx, drX, wf.ID, 1, form)
	require.NoError(t, err)

	first, _ := edited.Step(1)
	assert.Equal(t, schema.RecordedIncomplete, first.FormData.RecordedStatus)
	assert.Equal(t, schema.DisplayCompleted, DeriveDisplayStatus(edited, 1))
}

func TestSubmit_Routes(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)

	_, mode, err := f.editor.Submit(ctx, drX, wf.ID, 1, stepForm("Brief"))
	require.NoError(t, err)
	assert.Equal(t, schema.ModeComplete, mode)

	_, mode, err = f.editor.Submit(ctx, drX, wf.ID, 1, stepForm("Brief v2"))
	require.NoError(t, err)
	assert.Equal(t, schema.ModeEdit, mode)

	_, mode, err = f.editor.Submit(ctx, drX, wf.ID, 3, stepForm("Recording"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeOutOfSequence))
	assert.Equal(t, schema.ModeComplete, mode)

	_, _, err = f.editor.Submit(ctx, drX, "missing", 1, stepForm("x"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestSubmit_StaleVersionConflictsInsteadOfEditing(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)
	read := wf.Version

	// A completes step 1 first.
	_, err := f.editor.Submit(ctx, drX, wf.ID, 1, stepForm("A"), WithExpectedVersion(read))
	require.NoError(t, err)

	// B read the same version; without it B would be routed to an edit.
	_, _, err = f.editor.Submit(ctx, drX, wf.ID, 1, stepForm("B"), WithExpectedVersion(read))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	stored, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	rec, ok := stored.Step(1)
	require.True(t, ok)
	assert.Equal(t, "A", rec.FormData.Name)
	assert.Equal(t, read+1, stored.Version)
	assert.Empty(t, f.audit.byAction(schema.ActionWorkflowStepEdit))
}

func TestSubmit_CurrentVersionSucceeds(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)

	next, mode, err := f.editor.Submit(ctx, drX, wf.ID, 1, stepForm("Brief"), WithExpectedVersion(wf.Version))
	require.NoError(t, err)
	assert.Equal(t, schema.ModeComplete, mode)

	_, mode, err = f.editor.Submit(ctx, drX, wf.ID, 1, stepForm("Brief v2"), WithExpectedVersion(next.Version))
	require.NoError(t, err)
	assert.Equal(t, schema.ModeEdit, mode)
}

func TestEditStep_StaleVersion(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)
	done := f.completeThrough(t, wf.ID, 2)

	_, err := f.editor.EditStep(ctx, drX, wf.ID, 1, stepForm("x"), WithExpectedVersion(done.Version-1))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

// racingStore lets another writer commit the same step between the editor's
// read and its commit.
type racingStore struct {
	*store.MemoryStore
	once sync.Once
}

func (s *racingStore) CommitStep(ctx context.Context, next *store.Workflow, mode schema.CommitMode) error {
	s.once.Do(func() {
		winner := next.Clone()
		_ = s.MemoryStore.CommitStep(ctx, winner, mode)
	})
	return s.MemoryStore.CommitStep(ctx, next, mode)
}

func TestCompleteStep_ConflictPropagates(t *testing.T) {
	v, err := validation.NewJSONSchemaValidator(nil)
	require.NoError(t, err)
	rs := &racingStore{MemoryStore: store.NewMemoryStore()}
	audit := &recordingAudit{}
	editor := NewStepEditor(EditorConfig{Store: rs, Validator: v, Audit: audit, Logger: logging.Discard()})

	ctx := context.Background()
	wf, _, err := editor.Start(ctx, drX, StartRequest{ScheduleID: "S1", AssigneeID: "A"})
	require.NoError(t, err)

	_, err = editor.CompleteStep(ctx, drX, wf.ID, 1, stepForm("Brief"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	assert.Empty(t, audit.byAction(schema.ActionWorkflowStepComplete))

	stored, err := rs.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentStep)
}

func TestConcurrentCompletes_OneWins(t *testing.T) {
	f := newEditorFixture(t)
	wf := f.start(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.editor.CompleteStep(context.Background(), drX, wf.ID, 1, stepForm("Brief"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case schema.IsCode(err, schema.ErrCodeConflict), schema.IsCode(err, schema.ErrCodeOutOfSequence):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)
	stored, err := f.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentStep)
	assert.Len(t, stored.Steps, 1)
}

func TestProgress(t *testing.T) {
	f := newEditorFixture(t)
	wf := f.start(t)
	f.completeThrough(t, wf.ID, 1)

	p, err := f.editor.Progress(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, p.Steps, 7)

	assert.Equal(t, schema.WorkflowStatusInProgress, p.Status)
	assert.Equal(t, "brief", p.Steps[0].Key)
	assert.Equal(t, schema.DisplayGoing, p.Steps[0].Status)
	require.NotNil(t, p.Steps[0].Record)
	assert.Equal(t, schema.DisplayActive, p.Steps[1].Status)
	assert.Nil(t, p.Steps[1].Record)
	for _, row := range p.Steps[2:] {
		assert.Equal(t, schema.DisplayNotReached, row.Status)
	}
}

func TestCommitsPublishChanges(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()

	ch, cancel, err := f.hub.Subscribe(ctx, streaming.ChangeFilter{ScheduleID: "S1"})
	require.NoError(t, err)
	defer cancel()

	wf := f.start(t)
	f.completeThrough(t, wf.ID, 1)
	_, err = f.editor.EditStep(ctx, drX, wf.ID, 1, stepForm("Brief v2"))
	require.NoError(t, err)

	var kinds []streaming.ChangeKind
	for i := 0; i < 3; i++ {
		select {
		case c := <-ch:
			assert.Equal(t, wf.ID, c.WorkflowID)
			kinds = append(kinds, c.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
	}
	assert.Equal(t, []streaming.ChangeKind{
		streaming.ChangeStarted, streaming.ChangeCompleted, streaming.ChangeEdited,
	}, kinds)
}

func TestList(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()
	wf := f.start(t)
	_, _, err := f.editor.Start(ctx, drX, StartRequest{ScheduleID: "S2", AssigneeID: "Dr. Y"})
	require.NoError(t, err)
	f.completeThrough(t, wf.ID, 1)

	inProgress := schema.WorkflowStatusInProgress
	got, err := f.editor.List(ctx, store.WorkflowFilter{Status: &inProgress})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, wf.ID, got[0].ID)

	got, err = f.editor.List(ctx, store.WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
