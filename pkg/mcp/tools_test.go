package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/prodtrack/internal/audit"
	"github.com/rendis/prodtrack/internal/engine"
	"github.com/rendis/prodtrack/internal/logging"
	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/internal/validation"
)

func newTestServer(t *testing.T) (*Server, *audit.Log) {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator(nil)
	require.NoError(t, err)

	ms := store.NewMemoryStore()
	log := audit.New(audit.Config{Store: ms, Validator: v, Logger: logging.Discard()})
	t.Cleanup(log.Close)

	editor := engine.NewStepEditor(engine.EditorConfig{
		Store:     ms,
		Validator: v,
		Audit:     log,
		Logger:    logging.Discard(),
	})
	return NewServer(ServerDeps{Editor: editor, Audit: log, Logger: logging.Discard()}), log
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func startWorkflow(t *testing.T, s *Server) string {
	t.Helper()
	result, err := s.handleStart(context.Background(), buildRequest("workflow.start", map[string]any{
		"schedule_id": "S1",
		"assignee_id": "Dr. X",
		"actor_id":    "u-1",
		"actor_name":  "Dr. X",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	return out["workflow_id"].(string)
}

func submitArgs(id string, step int, status string) map[string]any {
	return map[string]any{
		"workflow_id": id,
		"step_number": float64(step),
		"actor_id":    "u-1",
		"form_data": map[string]any{
			"name":           "Dr. X",
			"languages":      []any{"en"},
			"date":           "2024-05-01",
			"recordedStatus": status,
		},
	}
}

func submit(s *Server, id string, step int, status string) (*mcp.CallToolResult, error) {
	return s.handleSubmit(context.Background(), buildRequest("workflow.submit", submitArgs(id, step, status)))
}

func TestStartTool(t *testing.T) {
	s, _ := newTestServer(t)
	id := startWorkflow(t, s)
	assert.NotEmpty(t, id)

	result, err := s.handleStart(context.Background(), buildRequest("workflow.start", map[string]any{
		"schedule_id": "S1",
		"assignee_id": "Dr. X",
		"actor_id":    "u-1",
	}))
	require.NoError(t, err)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, id, out["workflow_id"])
	assert.Equal(t, false, out["created"])
}

func TestStartToolMissingParams(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []map[string]any{
		{"schedule_id": "S1", "assignee_id": "A"},
		{"assignee_id": "A", "actor_id": "u-1"},
		{"schedule_id": "S1", "actor_id": "u-1"},
	}
	for _, args := range tests {
		result, err := s.handleStart(context.Background(), buildRequest("workflow.start", args))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}

func TestSubmitTool(t *testing.T) {
	s, _ := newTestServer(t)
	id := startWorkflow(t, s)

	result, err := submit(s, id, 1, "going")
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "complete", out["mode"])
	assert.Equal(t, float64(1), out["current_step"])

	result, err = submit(s, id, 1, "completed")
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Equal(t, "edit", out["mode"])
}

func TestSubmitToolOutOfSequence(t *testing.T) {
	s, _ := newTestServer(t)
	id := startWorkflow(t, s)

	result, err := submit(s, id, 3, "going")
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "OUT_OF_SEQUENCE")
}

func TestSubmitToolStaleVersion(t *testing.T) {
	s, _ := newTestServer(t)
	id := startWorkflow(t, s)

	args := submitArgs(id, 1, "going")
	args["version"] = float64(1)
	result, err := s.handleSubmit(context.Background(), buildRequest("workflow.submit", args))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	result, err = s.handleSubmit(context.Background(), buildRequest("workflow.submit", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "CONFLICT")

	args["version"] = float64(-1)
	result, err = s.handleSubmit(context.Background(), buildRequest("workflow.submit", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSubmitToolMissingForm(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleSubmit(context.Background(), buildRequest("workflow.submit", map[string]any{
		"workflow_id": "wf-1",
		"step_number": float64(1),
		"actor_id":    "u-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	s, _ := newTestServer(t)
	id := startWorkflow(t, s)
	_, err := submit(s, id, 1, "going")
	require.NoError(t, err)

	result, err := s.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{"workflow_id": id}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var progress engine.Progress
	unmarshalResult(t, result, &progress)
	assert.Equal(t, id, progress.WorkflowID)
	assert.Equal(t, 1, progress.CurrentStep)
	assert.Len(t, progress.Steps, 7)
}

func TestStatusToolNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{"workflow_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")

	result, err = s.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListTool(t *testing.T) {
	s, _ := newTestServer(t)
	startWorkflow(t, s)

	result, err := s.handleList(context.Background(), buildRequest("workflow.list", map[string]any{
		"filter": map[string]any{"schedule_id": "S1", "status": "not_started"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Workflows []map[string]any `json:"workflows"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Workflows, 1)
	assert.Equal(t, "Dr. X", out.Workflows[0]["assignee_id"])
}

func TestRecordTool(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleRecord(context.Background(), buildRequest("activity.record", map[string]any{
		"actor_id":     "u-2",
		"subject_type": "schedule",
		"subject_id":   "S1",
		"action":       "schedule_view",
		"duration_ms":  float64(1500),
		"metadata":     map[string]any{"source": "mcp"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var ev store.ActivityEvent
	unmarshalResult(t, result, &ev)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "u-2", ev.Actor.DisplayName, "display name falls back to the ID")
	require.NotNil(t, ev.DurationMs)
	assert.Equal(t, int64(1500), *ev.DurationMs)

	result, err = s.handleRecord(context.Background(), buildRequest("activity.record", map[string]any{"subject_id": "S1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool(t *testing.T) {
	s, log := newTestServer(t)
	id := startWorkflow(t, s)
	for step := 1; step <= 2; step++ {
		_, err := submit(s, id, step, "going")
		require.NoError(t, err)
	}
	log.Wait()

	t.Run("events with jq", func(t *testing.T) {
		result, err := s.handleQuery(context.Background(), buildRequest("activity.query", map[string]any{
			"filter": map[string]any{"subject_id": id},
			"jq":     "[.events[].metadata.stepNumber]",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, extractText(t, result))
		var steps []float64
		unmarshalResult(t, result, &steps)
		assert.Equal(t, []float64{2, 1}, steps)
	})

	t.Run("timeline", func(t *testing.T) {
		result, err := s.handleQuery(context.Background(), buildRequest("activity.query", map[string]any{
			"view":   "timeline",
			"filter": map[string]any{"subject_id": id},
			"jq":     "[.events[].metadata.stepNumber]",
		}))
		require.NoError(t, err)
		var steps []float64
		unmarshalResult(t, result, &steps)
		assert.Equal(t, []float64{1, 2}, steps)
	})

	t.Run("summary with where", func(t *testing.T) {
		result, err := s.handleQuery(context.Background(), buildRequest("activity.query", map[string]any{
			"view":  "summary",
			"where": `action == "workflow_step_complete"`,
		}))
		require.NoError(t, err)
		var summary audit.Summary
		unmarshalResult(t, result, &summary)
		assert.Equal(t, 2, summary.TotalEvents)
	})

	t.Run("unknown view", func(t *testing.T) {
		result, err := s.handleQuery(context.Background(), buildRequest("activity.query", map[string]any{"view": "graph"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("bad since", func(t *testing.T) {
		result, err := s.handleQuery(context.Background(), buildRequest("activity.query", map[string]any{
			"filter": map[string]any{"since": "yesterday"},
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("bad jq", func(t *testing.T) {
		result, err := s.handleQuery(context.Background(), buildRequest("activity.query", map[string]any{"jq": ".events["}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(filter, "a", 0))
	assert.Equal(t, 4, extractInt(filter, "b", 0))
	assert.Equal(t, 5, extractInt(filter, "c", 0))
	assert.Equal(t, 9, extractInt(filter, "d", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func TestStatusToolDiagram(t *testing.T) {
	s, _ := newTestServer(t)
	id := startWorkflow(t, s)

	result, err := s.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{
		"workflow_id": id,
		"diagram":     "ascii",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "[NEXT] 1.")

	result, err = s.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{
		"workflow_id": id,
		"diagram":     "png",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
