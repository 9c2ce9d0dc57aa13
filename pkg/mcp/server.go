package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/prodtrack/internal/audit"
	"github.com/rendis/prodtrack/internal/engine"
	"github.com/rendis/prodtrack/internal/expressions"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Editor engine.StepEditor
	Audit  *audit.Log
	Logger *slog.Logger
}

// Server wraps an MCP server with prodtrack tool handlers.
type Server struct {
	editor    engine.StepEditor
	audit     *audit.Log
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with all 6 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		editor: deps.Editor,
		audit:  deps.Audit,
		jq:     expressions.NewGoJQEngine(),
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"prodtrack",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("prodtrack tracks assignees through a fixed sequence of production steps. Use workflow.start to open a workflow, workflow.submit to complete or edit a step, workflow.status and workflow.list to read progress, and activity.record / activity.query for the audit log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: recordTool(), Handler: s.handleRecord},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Open the workflow for a schedule and assignee, or return the existing one"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("Schedule the workflow belongs to")),
		mcp.WithString("assignee_id", mcp.Required(), mcp.Description("Assignee progressing through the steps")),
		mcp.WithString("department_name", mcp.Description("Department of the assignee")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the acting user")),
		mcp.WithString("actor_name", mcp.Description("Display name of the acting user")),
	)
}

func submitTool() mcp.Tool {
	return mcp.NewTool("workflow.submit",
		mcp.WithDescription("Complete the next step or edit an already completed step"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("step_number", mcp.Required(), mcp.Description("Step to submit, starting at 1")),
		mcp.WithObject("form_data", mcp.Required(), mcp.Description("Step form: name, languages, date (YYYY-MM-DD), recordedStatus, reason")),
		mcp.WithNumber("version", mcp.Description("Workflow version last read; a stale version fails with CONFLICT")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the acting user")),
		mcp.WithString("actor_name", mcp.Description("Display name of the acting user")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the progress map of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("diagram",
			mcp.Enum("mermaid", "ascii"),
			mcp.Description("Return the progress map as a diagram instead of JSON"),
		),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List workflows"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (schedule_id, assignee_id, department_name, status, limit, offset)")),
	)
}

func recordTool() mcp.Tool {
	return mcp.NewTool("activity.record",
		mcp.WithDescription("Append an event to the activity log"),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the acting user")),
		mcp.WithString("actor_name", mcp.Description("Display name of the acting user")),
		mcp.WithString("subject_type", mcp.Description("Kind of subject, e.g. workflow or schedule")),
		mcp.WithString("subject_id", mcp.Required(), mcp.Description("ID of the subject")),
		mcp.WithString("action", mcp.Required(), mcp.Description("What happened")),
		mcp.WithNumber("duration_ms", mcp.Description("Duration of the action in milliseconds")),
		mcp.WithObject("metadata", mcp.Description("Free-form event metadata")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("activity.query",
		mcp.WithDescription("Query the activity log as events, a subject timeline, or a summary"),
		mcp.WithString("view",
			mcp.Enum("events", "timeline", "summary"),
			mcp.Description("Result shape (default: events)"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (actor_id, subject_id, subject_type, action, since, until, limit)")),
		mcp.WithString("where", mcp.Description("expr predicate over each event, e.g. metadata.stepNumber > 3")),
		mcp.WithString("jq", mcp.Description("jq expression applied to the result")),
	)
}
