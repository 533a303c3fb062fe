/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/PivotLLM/Surveyor/global"
	"github.com/PivotLLM/Surveyor/llm"
	"github.com/PivotLLM/Surveyor/logging"
	"github.com/PivotLLM/Surveyor/retrieval"
	"github.com/PivotLLM/Surveyor/runner"
	"github.com/PivotLLM/Surveyor/store"
)

// Server wraps the MCP server with our services
type Server struct {
	logger             *logging.Logger
	store              *store.Store
	llm                *llm.Service
	retrieval          *retrieval.Augmenter
	runner             *runner.Runner
	mcpServer          *server.MCPServer
	markNonDestructive bool

	// Background runs started by ai_request_run and ai_request_process_queue
	jobs     sync.WaitGroup
	jobCtx   context.Context
	stopJobs context.CancelFunc
}

// Option is a functional option for Server
type Option func(*Server)

// WithMarkNonDestructive reports destructive tools as non-destructive
func WithMarkNonDestructive(v bool) Option {
	return func(s *Server) {
		s.markNonDestructive = v
	}
}

// New creates a new server instance
func New(logger *logging.Logger, st *store.Store, llmSvc *llm.Service, aug *retrieval.Augmenter, rn *runner.Runner, opts ...Option) *Server {
	mcpServer := server.NewMCPServer(
		global.ProgramName,
		global.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	srv := &Server{
		logger:    logger,
		store:     st,
		llm:       llmSvc,
		retrieval: aug,
		runner:    rn,
		mcpServer: mcpServer,
	}
	srv.jobCtx, srv.stopJobs = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(srv)
	}

	srv.registerTools()
	return srv
}

// annotations describes how a tool touches state
type annotations struct {
	readOnly, destructive, openWorld bool
}

func (s *Server) tool(name string, a annotations, opts ...mcp.ToolOption) mcp.Tool {
	if s.markNonDestructive {
		a.destructive = false
	}
	opts = append(opts, mcp.WithToolAnnotation(mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(a.readOnly),
		DestructiveHint: mcp.ToBoolPtr(a.destructive),
		OpenWorldHint:   mcp.ToBoolPtr(a.openWorld),
	}))
	return mcp.NewTool(name, opts...)
}

// readOnlyTool is for tools that only read the database
func (s *Server) readOnlyTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	return s.tool(name, annotations{readOnly: true}, opts...)
}

// defaultTool is for tools that write local state only
func (s *Server) defaultTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	return s.tool(name, annotations{}, opts...)
}

// openWorldTool is for tools that call model and search providers
func (s *Server) openWorldTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	return s.tool(name, annotations{openWorld: true}, opts...)
}

// destructiveTool is for tools that end work irreversibly. Reported as
// non-destructive when mark_non_destructive is set.
func (s *Server) destructiveTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	return s.tool(name, annotations{destructive: true}, opts...)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	retrievalModes := []string{
		global.RetrievalNone,
		global.RetrievalProviderNativeOnly,
		global.RetrievalFirecrawlPreferred,
		global.RetrievalFirecrawlOnly,
	}

	s.mcpServer.AddTool(
		s.defaultTool(global.ToolRequestCreate,
			mcp.WithDescription("Queue an AI request over a batch. Provider, model and retrieval method default to the batch's settings. The request does nothing until ai_request_run or ai_request_process_queue executes it."),
			mcp.WithNumber("batch_id",
				mcp.Description("Batch to research"),
				mcp.Required(),
			),
			mcp.WithString("task_ids",
				mcp.Description("Optional comma-separated task IDs (or a JSON array) restricting the request to a subset of the batch"),
			),
			mcp.WithNumber("provider_id",
				mcp.Description("Provider to call (default: the batch's provider)"),
			),
			mcp.WithNumber("model_id",
				mcp.Description("Model to use (default: the batch's model)"),
			),
			mcp.WithString("retrieval_method",
				mcp.Description("Evidence retrieval mode (default: the batch's mode, else none)"),
				mcp.Enum(retrievalModes...),
			),
		), s.handleRequestCreate)

	s.mcpServer.AddTool(
		s.openWorldTool(global.ToolRequestRun,
			mcp.WithDescription("Execute one queued AI request. Each task gets exactly one result; valid answers are written to the task's draft. Returns the run summary, or starts the run in the background when background is true."),
			mcp.WithString("request_id",
				mcp.Description("Request ID"),
				mcp.Required(),
			),
			mcp.WithBoolean("background",
				mcp.Description("Return immediately and run in the background (default: false)"),
			),
		), s.handleRequestRun)

	s.mcpServer.AddTool(
		s.openWorldTool(global.ToolRequestProcessQueue,
			mcp.WithDescription("Execute every queued AI request, oldest first. Only one sweep runs at a time."),
			mcp.WithBoolean("background",
				mcp.Description("Return immediately and sweep in the background (default: false)"),
			),
		), s.handleRequestProcessQueue)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolRequestGet,
			mcp.WithDescription("Get an AI request's status, counters and error log."),
			mcp.WithString("request_id",
				mcp.Description("Request ID"),
				mcp.Required(),
			),
		), s.handleRequestGet)

	s.mcpServer.AddTool(
		s.destructiveTool(global.ToolRequestCancel,
			mcp.WithDescription("Cancel a queued or running AI request. A running request stops before its next task; results already written are kept."),
			mcp.WithString("request_id",
				mcp.Description("Request ID"),
				mcp.Required(),
			),
		), s.handleRequestCancel)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolTaskResults,
			mcp.WithDescription("List task results. Results are immutable; every attempt is kept."),
			mcp.WithString("request_id",
				mcp.Description("Filter by request ID"),
			),
			mcp.WithNumber("task_id",
				mcp.Description("Filter by task ID"),
			),
			mcp.WithString("status",
				mcp.Description("Filter by result status"),
				mcp.Enum(global.ResultStatusCompleted, global.ResultStatusFailed,
					global.ResultStatusFormatInvalid, global.ResultStatusSkippedDependency),
			),
			mcp.WithBoolean("include_prompt",
				mcp.Description("Include the full prompt snapshot (default: false)"),
			),
			mcp.WithNumber("limit",
				mcp.Description(fmt.Sprintf("Maximum number of results (default: %d)", global.DefaultLimit)),
			),
			mcp.WithNumber("offset",
				mcp.Description("Number of results to skip"),
			),
		), s.handleTaskResults)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolHealth,
			mcp.WithDescription("Report database reachability, supported vendors and retrieval configuration. Optionally includes a provider's last-call telemetry."),
			mcp.WithNumber("provider_id",
				mcp.Description("Provider whose telemetry to include (optional)"),
			),
		), s.handleHealth)
}

// goJob runs fn as a tracked background job. Jobs see a context that is
// canceled when the server shuts down on a signal.
func (s *Server) goJob(name string, fn func(ctx context.Context)) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Errorf("Background %s panicked: %v", name, rec)
			}
		}()
		fn(s.jobCtx)
	}()
}

// Wait blocks until background jobs finish
func (s *Server) Wait() {
	s.jobs.Wait()
}

// Run serves MCP on stdio until stdin closes or ctx is done. When ctx ends,
// background runs are interrupted and their requests are closed out as failed.
func (s *Server) Run(ctx context.Context) error {
	defer s.stopJobs()

	served := make(chan error, 1)
	go func() {
		served <- server.ServeStdio(s.mcpServer)
	}()
	s.logger.Info("MCP server listening on stdio")

	var err error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown requested, interrupting background runs")
		s.stopJobs()
	case err = <-served:
		if err != nil {
			s.logger.Errorf("Server error: %v", err)
			err = fmt.Errorf("server error: %w", err)
		} else {
			s.logger.Info("Client disconnected")
		}
	}

	s.logger.Info("Waiting for background runs to complete")
	s.Wait()
	s.logger.Info("Server stopped")
	return err
}
