// Package mcp exposes the workflow engine over the Model Context
// Protocol so agent hosts can validate, store, and run workflows as
// tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/engine"
)

// LoomServerDeps holds the dependencies for creating a LoomServer. The
// store is optional; without it the definition and run-history tools
// report an error.
type LoomServerDeps struct {
	Engine *engine.Engine
	Store  *store.LibSQLStore
	Logger *slog.Logger
}

// LoomServer wraps an MCP server with the loom tool handlers.
type LoomServer struct {
	engine    *engine.Engine
	store     *store.LibSQLStore
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// workflowSchemaURI names the published workflow definition schema.
const workflowSchemaURI = "loom://schemas/workflow.json"

// NewLoomServer creates a LoomServer with the loom tools and the
// workflow schema resource registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		engine: deps.Engine,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
		server.WithInstructions("Loom runs declarative task-graph workflows. Use loom.validate to check a definition, loom.run to execute one, loom.define to store a named definition, loom.schedule to run stored definitions on a cron expression, and loom.runs to inspect past runs and their events."),
	)

	mcpSrv.AddTools(s.tools()...)
	mcpSrv.AddResource(mcp.NewResource(workflowSchemaURI, "Workflow definition schema",
		mcp.WithMIMEType("application/json"),
	), s.handleSchemaResource)
	s.mcpServer = mcpSrv
	return s
}

// handleSchemaResource serves the JSON Schema that loom.validate checks
// definitions against.
func (s *LoomServer) handleSchemaResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      workflowSchemaURI,
			MIMEType: "application/json",
			Text:     validation.WorkflowSchemaJSON(),
		},
	}, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("loom.validate",
		mcp.WithDescription("Validate a workflow definition and report every issue"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Workflow definition as a JSON string")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("loom.run",
		mcp.WithDescription("Execute a workflow definition, or a stored workflow by name"),
		mcp.WithString("definition", mcp.Description("Workflow definition as a JSON string")),
		mcp.WithString("name", mcp.Description("Name of a stored workflow (alternative to definition)")),
		mcp.WithString("input", mcp.Description("Initial input made available under __input")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("loom.define",
		mcp.WithDescription("Validate and store a named workflow definition for later runs"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Workflow definition as a JSON string")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("loom.schedule",
		mcp.WithDescription("Manage cron schedules for stored workflows: set, remove, or list jobs"),
		mcp.WithString("action", mcp.Description("One of set, remove, list (default list)")),
		mcp.WithString("workflow", mcp.Description("Stored workflow name (set)")),
		mcp.WithString("cron", mcp.Description("Five-field cron expression (set)")),
		mcp.WithString("input", mcp.Description("Input passed to each scheduled run (set)")),
		mcp.WithString("job_id", mcp.Description("Job to remove (remove)")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("loom.runs",
		mcp.WithDescription("List past runs, or fetch one run's event journal"),
		mcp.WithString("run_id", mcp.Description("Fetch the event journal of this run")),
		mcp.WithString("workflow", mcp.Description("Filter runs by workflow name")),
		mcp.WithString("status", mcp.Description("Filter runs by status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return (default 20)")),
	)
}
