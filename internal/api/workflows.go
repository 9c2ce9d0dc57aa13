package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rendis/prodtrack/internal/engine"
	"github.com/rendis/prodtrack/internal/identity"
	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/pkg/schema"
)

// workflowSummary is the response to start and submit.
type workflowSummary struct {
	WorkflowID  string                `json:"workflowId"`
	ScheduleID  string                `json:"scheduleId"`
	AssigneeID  string                `json:"assigneeId"`
	CurrentStep int                   `json:"currentStep"`
	TotalSteps  int                   `json:"totalSteps"`
	Status      schema.WorkflowStatus `json:"status"`
	Version     int64                 `json:"version"`
}

func summarize(wf *store.Workflow) workflowSummary {
	return workflowSummary{
		WorkflowID:  wf.ID,
		ScheduleID:  wf.ScheduleID,
		AssigneeID:  wf.AssigneeID,
		CurrentStep: wf.CurrentStep,
		TotalSteps:  wf.TotalSteps,
		Status:      wf.Status(),
		Version:     wf.Version,
	}
}

// handleStartWorkflow creates or resumes the workflow for a schedule/assignee pair.
func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body engine.StartRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	wf, created, err := s.deps.Editor.Start(r.Context(), actor, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"workflow": summarize(wf),
		"created":  created,
	})
}

// handleSubmitStep completes or edits a step depending on the workflow's
// current step. The version the client last read, sent as "version" in the
// body or as If-Match, turns a lost race into CONFLICT.
func (s *Server) handleSubmitStep(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	step, err := strconv.Atoi(r.PathValue("step"))
	if err != nil {
		s.writeError(w, r, schema.NewErrorf(schema.ErrCodeValidation, "step %q is not a number", r.PathValue("step")))
		return
	}

	var body struct {
		FormData schema.FormData `json:"formData"`
		Version  int64           `json:"version"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	version, err := expectedVersion(r, body.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	wf, mode, err := s.deps.Editor.Submit(r.Context(), actor, r.PathValue("id"), step, body.FormData,
		engine.WithExpectedVersion(version))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", etag(wf.Version))
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow": summarize(wf),
		"mode":     mode,
	})
}

// handleGetWorkflow returns the full workflow with its step records.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Editor.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(wf.Version))
	writeJSON(w, http.StatusOK, wf)
}

// handleProgress returns the progress map of one workflow.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Editor.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleListWorkflows lists workflows for client-side progress maps.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.WorkflowFilter{
		ScheduleID:     q.Get("scheduleId"),
		AssigneeID:     q.Get("assigneeId"),
		DepartmentName: q.Get("departmentName"),
		Limit:          queryInt(r, "limit", 0),
		Offset:         queryInt(r, "offset", 0),
	}
	if v := q.Get("status"); v != "" {
		status := schema.WorkflowStatus(v)
		switch status {
		case schema.WorkflowStatusNotStarted, schema.WorkflowStatusInProgress, schema.WorkflowStatusCompleted:
			filter.Status = &status
		default:
			s.writeError(w, r, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", v))
			return
		}
	}

	workflows, err := s.deps.Editor.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if workflows == nil {
		workflows = []*store.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// expectedVersion reconciles the body version with If-Match. Zero means the
// client sent neither.
func expectedVersion(r *http.Request, body int64) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" {
		return body, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "If-Match %q is not a workflow version", r.Header.Get("If-Match"))
	}
	if body != 0 && body != v {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "If-Match version %d does not match body version %d", v, body)
	}
	return v, nil
}
