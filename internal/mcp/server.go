package mcp

import (
	"log/slog"
	"net/http"
	"time"

	"cronie/internal/core"
	"cronie/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName     = "cronie"
	serverVersion  = "1.0.0"
	defaultLogRows = 20
)

// MCPServer exposes task management as MCP tools.
type MCPServer struct {
	store     *store.Store
	scheduler *core.Scheduler
	relay     *core.Relay
	logger    *slog.Logger
	location  *time.Location
	srv       *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(st *store.Store, scheduler *core.Scheduler, relay *core.Relay, logger *slog.Logger, location *time.Location) *MCPServer {
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		store:     st,
		scheduler: scheduler,
		relay:     relay,
		logger:    logger,
		location:  location,
	}
	s.srv = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.srv)
	return s
}

// Run serves the tools over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.srv)
}

// Handler serves the tools over streamable HTTP, for mounting under /mcp.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.srv)
}

func (s *MCPServer) registerTools(srv *server.MCPServer) {
	srv.AddTool(mcp.NewTool("cron_create_task",
		mcp.WithDescription("Create a scheduled task. Uses standard 5-field cron expressions (minute hour day month weekday)."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Task name"),
		),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for 09:00 on weekdays"),
		),
		mcp.WithString("type",
			mcp.Description("Task type, default shell"),
			mcp.Enum(string(core.TaskKindShell), string(core.TaskKindHTTP)),
		),
		mcp.WithString("command",
			mcp.Description("Shell command (shell tasks)"),
		),
		mcp.WithString("working_dir",
			mcp.Description("Working directory (shell tasks)"),
		),
		mcp.WithString("url",
			mcp.Description("Target URL (http tasks)"),
		),
		mcp.WithString("method",
			mcp.Description("HTTP method (http tasks), default GET"),
		),
		mcp.WithObject("config",
			mcp.Description("Full type-specific configuration; overrides command/url/method"),
		),
		mcp.WithString("description",
			mcp.Description("Free-form description"),
		),
		mcp.WithString("tags",
			mcp.Description("Comma-separated tags"),
		),
		mcp.WithNumber("retry_count",
			mcp.Description("Extra attempts after a failure, default 0"),
			mcp.Min(0),
		),
		mcp.WithNumber("retry_delay_ms",
			mcp.Description("Base delay between retries in milliseconds, default 1000"),
			mcp.Min(0),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Per-attempt timeout in milliseconds, default 30000; 0 disables it"),
			mcp.Min(0),
		),
		mcp.WithBoolean("enabled",
			mcp.Description("Whether the task is scheduled, default true"),
		),
	), s.handleCreateTask)

	srv.AddTool(mcp.NewTool("cron_list_tasks",
		mcp.WithDescription("List scheduled tasks"),
		mcp.WithString("status",
			mcp.Description("Filter by state"),
			mcp.Enum("enabled", "disabled"),
		),
		mcp.WithString("tag",
			mcp.Description("Only tasks carrying this tag"),
		),
	), s.handleListTasks)

	srv.AddTool(mcp.NewTool("cron_get_task",
		mcp.WithDescription("Show task details"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	srv.AddTool(mcp.NewTool("cron_update_task",
		mcp.WithDescription("Update a task; only the given fields change"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("name", mcp.Description("New name")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("cron", mcp.Description("New cron expression")),
		mcp.WithString("command", mcp.Description("New shell command")),
		mcp.WithString("working_dir", mcp.Description("New working directory")),
		mcp.WithString("url", mcp.Description("New target URL")),
		mcp.WithString("method", mcp.Description("New HTTP method")),
		mcp.WithObject("config", mcp.Description("Replacement configuration")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags; empty string clears them")),
		mcp.WithNumber("retry_count", mcp.Description("New retry count"), mcp.Min(0)),
		mcp.WithNumber("retry_delay_ms", mcp.Description("New retry delay"), mcp.Min(0)),
		mcp.WithNumber("timeout_ms", mcp.Description("New timeout"), mcp.Min(0)),
		mcp.WithBoolean("enabled", mcp.Description("Enable or disable the task")),
	), s.handleUpdateTask)

	srv.AddTool(mcp.NewTool("cron_toggle_task",
		mcp.WithDescription("Flip a task between enabled and disabled"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleToggleTask)

	srv.AddTool(mcp.NewTool("cron_delete_task",
		mcp.WithDescription("Delete a task and its history"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	srv.AddTool(mcp.NewTool("cron_run_task",
		mcp.WithDescription("Run a task now, with retries"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithBoolean("async",
			mcp.Description("Return immediately instead of waiting for the result"),
		),
	), s.handleRunTask)

	srv.AddTool(mcp.NewTool("cron_list_logs",
		mcp.WithDescription("Show execution history, newest first"),
		mcp.WithNumber("task_id",
			mcp.Description("Only logs of this task"),
		),
		mcp.WithString("status",
			mcp.Description("Only logs with this status"),
			mcp.Enum(
				string(core.LogStatusRunning), string(core.LogStatusSuccess), string(core.LogStatusFailure),
				string(core.LogStatusTimeout), string(core.LogStatusSkipped),
			),
		),
		mcp.WithString("search",
			mcp.Description("Substring of stdout, stderr or the error message"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of rows, default 20"),
			mcp.Min(1),
			mcp.Max(store.MaxLogLimit),
		),
		mcp.WithBoolean("output",
			mcp.Description("Include captured output"),
		),
	), s.handleListLogs)

	srv.AddTool(mcp.NewTool("cron_log_stats",
		mcp.WithDescription("Summarize execution history"),
	), s.handleLogStats)

	srv.AddTool(mcp.NewTool("cron_scheduler",
		mcp.WithDescription("Show, pause or resume the scheduler"),
		mcp.WithString("action",
			mcp.Description("Default status"),
			mcp.Enum("status", "pause", "resume"),
		),
	), s.handleScheduler)

	srv.AddTool(mcp.NewTool("cron_kill_session",
		mcp.WithDescription("Terminate a running shell session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session ID from the terminal stream"),
		),
	), s.handleKillSession)

	srv.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview upcoming fire times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Info("MCP tools registered", "count", 12)
}
