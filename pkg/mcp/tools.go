package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/prodtrack/internal/audit"
	"github.com/rendis/prodtrack/internal/diagram"
	"github.com/rendis/prodtrack/internal/engine"
	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/pkg/schema"
)

// handleStart opens or resumes a workflow.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, errResult := actorFrom(req)
	if errResult != nil {
		return errResult, nil
	}
	scheduleID, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	assigneeID, err := req.RequireString("assignee_id")
	if err != nil {
		return mcp.NewToolResultError("assignee_id is required"), nil
	}

	wf, created, startErr := s.editor.Start(ctx, actor, engine.StartRequest{
		ScheduleID:     scheduleID,
		AssigneeID:     assigneeID,
		DepartmentName: req.GetString("department_name", ""),
	})
	if startErr != nil {
		return toolError("start failed", startErr), nil
	}

	return marshalResult(map[string]any{
		"workflow_id":  wf.ID,
		"created":      created,
		"current_step": wf.CurrentStep,
		"total_steps":  wf.TotalSteps,
		"status":       wf.Status(),
	})
}

// handleSubmit completes or edits a step.
func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, errResult := actorFrom(req)
	if errResult != nil {
		return errResult, nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	step, err := req.RequireInt("step_number")
	if err != nil {
		return mcp.NewToolResultError("step_number is required"), nil
	}
	raw := mcp.ParseStringMap(req, "form_data", nil)
	if raw == nil {
		return mcp.NewToolResultError("form_data is required"), nil
	}

	var form schema.FormData
	if err := remarshal(raw, &form); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid form_data: %v", err)), nil
	}

	version := int64(req.GetFloat("version", 0))
	if version < 0 {
		return mcp.NewToolResultError("version must be positive"), nil
	}

	wf, mode, submitErr := s.editor.Submit(ctx, actor, workflowID, step, form, engine.WithExpectedVersion(version))
	if submitErr != nil {
		return toolError("submit failed", submitErr), nil
	}

	return marshalResult(map[string]any{
		"workflow_id":  wf.ID,
		"mode":         mode,
		"current_step": wf.CurrentStep,
		"status":       wf.Status(),
		"version":      wf.Version,
	})
}

// handleStatus returns the progress map of a workflow.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	progress, progressErr := s.editor.Progress(ctx, workflowID)
	if progressErr != nil {
		return toolError("status query failed", progressErr), nil
	}

	format := req.GetString("diagram", "")
	if format == "" {
		return marshalResult(progress)
	}
	model, buildErr := diagram.Build(progress)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}
	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	default:
		return mcp.NewToolResultError("diagram must be mermaid or ascii"), nil
	}
}

// handleList lists workflows.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)

	wf := store.WorkflowFilter{
		ScheduleID:     extractString(filter, "schedule_id"),
		AssigneeID:     extractString(filter, "assignee_id"),
		DepartmentName: extractString(filter, "department_name"),
		Limit:          extractInt(filter, "limit", 50),
		Offset:         extractInt(filter, "offset", 0),
	}
	if v := extractString(filter, "status"); v != "" {
		status := schema.WorkflowStatus(v)
		wf.Status = &status
	}

	workflows, err := s.editor.List(ctx, wf)
	if err != nil {
		return toolError("list failed", err), nil
	}

	out := make([]map[string]any, 0, len(workflows))
	for _, w := range workflows {
		out = append(out, map[string]any{
			"workflow_id":     w.ID,
			"schedule_id":     w.ScheduleID,
			"assignee_id":     w.AssigneeID,
			"department_name": w.DepartmentName,
			"current_step":    w.CurrentStep,
			"total_steps":     w.TotalSteps,
			"status":          w.Status(),
			"updated_at":      w.UpdatedAt,
		})
	}
	return marshalResult(map[string]any{"workflows": out})
}

// handleRecord appends an activity event synchronously.
func (s *Server) handleRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rec := audit.RecordRequest{
		ActorID:     req.GetString("actor_id", ""),
		DisplayName: req.GetString("actor_name", ""),
		SubjectType: req.GetString("subject_type", ""),
		SubjectID:   req.GetString("subject_id", ""),
		Action:      req.GetString("action", ""),
		Metadata:    mcp.ParseStringMap(req, "metadata", nil),
	}
	if args := req.GetArguments(); args != nil {
		if _, ok := args["duration_ms"]; ok {
			d := int64(req.GetFloat("duration_ms", 0))
			rec.DurationMs = &d
		}
	}

	ev, err := s.audit.Append(ctx, rec)
	if err != nil {
		return toolError("record failed", err), nil
	}
	return marshalResult(ev)
}

// handleQuery reads the activity log in one of three views, optionally
// projected through jq.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	view := req.GetString("view", "events")
	where := req.GetString("where", "")
	filter, err := activityFilter(mcp.ParseStringMap(req, "filter", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var result any
	switch view {
	case "events":
		events, qErr := s.audit.Filter(ctx, filter, where)
		if qErr != nil {
			return toolError("query failed", qErr), nil
		}
		result = map[string]any{"events": events}
	case "timeline":
		events, qErr := s.audit.Timeline(ctx, filter.SubjectID, filter)
		if qErr != nil {
			return toolError("timeline failed", qErr), nil
		}
		result = map[string]any{"events": events}
	case "summary":
		summary, qErr := s.audit.Summarize(ctx, filter, where)
		if qErr != nil {
			return toolError("summary failed", qErr), nil
		}
		result = summary
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown view: %s (valid: events, timeline, summary)", view)), nil
	}

	if expr := req.GetString("jq", ""); expr != "" {
		projected, jqErr := s.jq.Project(ctx, expr, result)
		if jqErr != nil {
			return toolError("jq failed", jqErr), nil
		}
		result = projected
	}
	return marshalResult(result)
}

// --- Helpers ---

// actorFrom reads the acting user from the tool arguments.
func actorFrom(req mcp.CallToolRequest) (schema.Actor, *mcp.CallToolResult) {
	id, err := req.RequireString("actor_id")
	if err != nil || id == "" {
		return schema.Actor{}, mcp.NewToolResultError("actor_id is required")
	}
	return schema.Actor{ID: id, DisplayName: req.GetString("actor_name", "")}, nil
}

func activityFilter(filter map[string]any) (store.ActivityFilter, error) {
	f := store.ActivityFilter{
		ActorID:     extractString(filter, "actor_id"),
		SubjectID:   extractString(filter, "subject_id"),
		SubjectType: extractString(filter, "subject_type"),
		Action:      extractString(filter, "action"),
		Limit:       extractInt(filter, "limit", 100),
	}
	for key, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		v := extractString(filter, key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid %s: must be an RFC 3339 timestamp", key)
		}
		t = t.UTC()
		*dst = &t
	}
	return f, nil
}

// toolError renders err as a tool error, prefixing the prodtrack error code
// when there is one.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var pe *schema.ProdError
	if errors.As(err, &pe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, pe.Code, pe.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// remarshal converts a decoded JSON object into a typed value.
func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
