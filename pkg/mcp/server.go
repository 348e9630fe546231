// Package mcp exposes the workflow engine over the Model Context Protocol
// so agents can validate and run workflow documents through a stdio
// transport.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tasklace/tasklace/internal/engine"
	"github.com/tasklace/tasklace/internal/validation"
	"github.com/tasklace/tasklace/pkg/schema"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine *engine.Engine
	Logger *slog.Logger
}

// Server wraps an MCP server with workflow tool handlers.
type Server struct {
	engine    *engine.Engine
	loader    *validation.DocumentValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with the workflow tools registered.
func NewServer(deps ServerDeps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	loader, err := validation.NewDocumentValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		engine: deps.Engine,
		loader: loader,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"tasklace",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Tasklace runs workflow task graphs. Use workflow.validate to check a workflow JSON document and workflow.run to execute one and get the structured run result."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}

func runTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Execute a workflow JSON document and return the structured run result"),
		mcp.WithString("document", mcp.Required(), mcp.Description("Workflow definition as a JSON document")),
		mcp.WithObject("input", mcp.Description("Initial input merged over the workflow variables")),
		mcp.WithBoolean("concurrent", mcp.Description("Dispatch parallel-flagged tasks concurrently")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("workflow.validate",
		mcp.WithDescription("Validate a workflow JSON document without running it"),
		mcp.WithString("document", mcp.Required(), mcp.Description("Workflow definition as a JSON document")),
	)
}

// handleRun loads, validates, and executes a workflow document.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	concurrent := req.GetBool("concurrent", false)

	wf, loadErr := s.loader.LoadDocument([]byte(doc))
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow document: %v", loadErr)), nil
	}

	var result *engine.RunResult
	var runErr error
	if concurrent {
		result, runErr = s.engine.RunConcurrent(ctx, wf, input)
	} else {
		result, runErr = s.engine.Run(ctx, wf, input)
	}
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow run failed: %v", runErr)), nil
	}

	s.logger.InfoContext(ctx, "workflow run finished",
		"run_id", result.RunID, "workflow_id", result.WorkflowID, "status", string(result.Status))
	return marshalResult(result)
}

// handleValidate checks a workflow document and reports the outcome as a
// structured result, including the failure detail when invalid.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}

	wf, loadErr := s.loader.LoadDocument([]byte(doc))
	if loadErr != nil {
		report := map[string]any{"valid": false, "error": loadErr.Error()}
		var fe *schema.FlowError
		if errors.As(loadErr, &fe) {
			report["error_code"] = fe.Code
			if len(fe.Details) > 0 {
				report["details"] = fe.Details
			}
		}
		return marshalResult(report)
	}

	return marshalResult(map[string]any{
		"valid": true,
		"id":    wf.ID,
		"name":  wf.Name,
		"tasks": wf.Order,
	})
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
