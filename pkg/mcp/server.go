package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/internal/scheduler"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/internal/trigger"
	"github.com/rendis/nurture/pkg/schema"
)

// Engine is the execution surface the tools drive. Satisfied by *engine.Engine.
type Engine interface {
	Start(ctx context.Context, req engine.StartRequest) (*engine.StartResult, error)
	Resume(ctx context.Context, executionID string) (*engine.ResumeResult, error)
	Terminate(ctx context.Context, executionID, reason string) (*store.Execution, error)
	Status(ctx context.Context, executionID string) (*store.Execution, error)
	List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
}

// Publisher toggles publish flags. Satisfied by *trigger.PublishService.
type Publisher interface {
	Publish(ctx context.Context, req trigger.PublishRequest) (*trigger.PublishResult, error)
}

// Sweeper runs one resume sweep. Satisfied by *scheduler.Scheduler.
type Sweeper interface {
	Sweep(ctx context.Context) (*scheduler.SweepRun, error)
}

// StageEntries accepts stage-entry events. Satisfied by *trigger.Listener.
type StageEntries interface {
	HandleStageEntry(ctx context.Context, entry *schema.StageEntry) error
}

// GraphValidator reports every problem of a graph. Satisfied by
// *validation.GraphValidator.
type GraphValidator interface {
	Validate(g *schema.Graph) *schema.ValidationResult
}

// NurtureServerDeps holds the dependencies for creating a NurtureServer.
type NurtureServerDeps struct {
	Engine    Engine
	Workflows store.WorkflowStore
	Publisher Publisher
	Sweeper   Sweeper
	Stages    StageEntries
	Graphs    GraphValidator
	Watchers  *WatchRegistry
	Notifier  *Notifier
	Logger    *slog.Logger
}

// NurtureServer wraps an MCP server with the workflow tool handlers.
type NurtureServer struct {
	engine    Engine
	workflows store.WorkflowStore
	publisher Publisher
	sweeper   Sweeper
	stages    StageEntries
	graphs    GraphValidator
	watchers  *WatchRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewNurtureServer creates a NurtureServer with every tool registered. A
// Notifier in deps is bound to the new server.
func NewNurtureServer(deps NurtureServerDeps) *NurtureServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	watchers := deps.Watchers
	if watchers == nil {
		watchers = NewWatchRegistry()
	}

	s := &NurtureServer{
		engine:    deps.Engine,
		workflows: deps.Workflows,
		publisher: deps.Publisher,
		sweeper:   deps.Sweeper,
		stages:    deps.Stages,
		graphs:    deps.Graphs,
		watchers:  watchers,
		logger:    logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		watchers.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"nurture",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Nurture runs lead automation workflows. Use nurture.define to store a workflow graph, nurture.validate to check one, nurture.publish to enable it, nurture.start to run it for a lead, nurture.status and nurture.list to inspect executions, and nurture.watch to receive execution events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if deps.Notifier != nil {
		deps.Notifier.bind(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *NurtureServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Handler returns the streamable HTTP transport, which keeps sessions open
// for watch notifications.
func (s *NurtureServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *NurtureServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *NurtureServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: stageEntryTool(), Handler: s.handleStageEntry},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: terminateTool(), Handler: s.handleTerminate},
		{Tool: sweepTool(), Handler: s.handleSweep},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("nurture.define",
		mcp.WithDescription("Create or update a workflow definition"),
		mcp.WithString("id", mcp.Description("Workflow ID (generated when empty)")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Editor graph: {nodes, edges}")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("nurture.validate",
		mcp.WithDescription("Validate a workflow graph without storing it"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Editor graph: {nodes, edges}")),
	)
}

func publishTool() mcp.Tool {
	return mcp.NewTool("nurture.publish",
		mcp.WithDescription("Publish or unpublish a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithBoolean("is_published", mcp.Required(), mcp.Description("New publish flag")),
		mcp.WithBoolean("apply_to_existing", mcp.Description("Backfill leads already in the trigger stage (default: the trigger node's flag)")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the backfill to finish and report its summary")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("nurture.start",
		mcp.WithDescription("Start a workflow for one lead"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("lead_id", mcp.Required(), mcp.Description("ID of the lead")),
		mcp.WithString("sender_id", mcp.Required(), mcp.Description("Channel identity of the lead")),
		mcp.WithBoolean("manual", mcp.Description("Operator test run: ignores the publish flag")),
	)
}

func stageEntryTool() mcp.Tool {
	return mcp.NewTool("nurture.stage_entry",
		mcp.WithDescription("Report that a lead entered a pipeline stage"),
		mcp.WithString("lead_id", mcp.Required(), mcp.Description("ID of the lead")),
		mcp.WithString("sender_id", mcp.Required(), mcp.Description("Channel identity of the lead")),
		mcp.WithString("stage_id", mcp.Required(), mcp.Description("Stage the lead entered")),
		mcp.WithString("lead_name", mcp.Description("Display name of the lead")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("nurture.status",
		mcp.WithDescription("Get an execution with its step history"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("nurture.list",
		mcp.WithDescription("List executions"),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow")),
		mcp.WithString("lead_id", mcp.Description("Filter by lead")),
		mcp.WithString("status",
			mcp.Enum("running", "waiting", "completed", "stopped", "failed"),
			mcp.Description("Filter by status"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default: 50)")),
		mcp.WithNumber("offset", mcp.Description("Results to skip")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("nurture.resume",
		mcp.WithDescription("Resume an execution whose wait has elapsed"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func terminateTool() mcp.Tool {
	return mcp.NewTool("nurture.terminate",
		mcp.WithDescription("Stop a running or waiting execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Reason recorded in the step history")),
	)
}

func sweepTool() mcp.Tool {
	return mcp.NewTool("nurture.sweep",
		mcp.WithDescription("Resume every due execution now and report the outcome"),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("nurture.watch",
		mcp.WithDescription("Receive execution events for a workflow on this session"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow, or * for all")),
		mcp.WithBoolean("stop", mcp.Description("Stop watching instead")),
	)
}
