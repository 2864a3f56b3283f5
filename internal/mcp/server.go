// Package mcp exposes the runtime over the Model Context Protocol so AI
// assistants can run queries and inspect plans as tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stepwise-dev/stepwise/internal/api"
	"github.com/stepwise-dev/stepwise/pkg/planfile"
	"github.com/stepwise-dev/stepwise/pkg/skills"
)

// Server wraps the runtime to provide MCP tool access.
type Server struct {
	registry *skills.Registry
	store    *planfile.Store
	runner   api.Runner
	server   *server.MCPServer
}

// NewServer creates a new MCP server over the given runtime pieces.
func NewServer(registry *skills.Registry, store *planfile.Store, runner api.Runner) *Server {
	s := &Server{
		registry: registry,
		store:    store,
		runner:   runner,
	}

	mcpServer := server.NewMCPServer(
		"stepwise",
		api.Version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.server = mcpServer
	return s
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("run_query",
			mcp.WithDescription("Decompose a natural-language request into a skill plan, execute it, and return the final reply."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("The user request to fulfil"),
			),
		),
		s.handleRunQuery,
	)

	mcpServer.AddTool(
		mcp.NewTool("get_plan",
			mcp.WithDescription("Fetch a persisted plan by its plan ID, including step statuses and results."),
			mcp.WithString("plan_id",
				mcp.Required(),
				mcp.Description("The plan ID returned by run_query"),
			),
		),
		s.handleGetPlan,
	)

	mcpServer.AddTool(
		mcp.NewTool("list_plans",
			mcp.WithDescription("List all persisted plans with their queries and step counts."),
		),
		s.handleListPlans,
	)

	mcpServer.AddTool(
		mcp.NewTool("list_skills",
			mcp.WithDescription("List the skills available to the orchestrator."),
		),
		s.handleListSkills,
	)
}

// ServeStdio serves MCP over stdin/stdout until the stream closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.server)
}

// handleRunQuery handles the run_query tool.
func (s *Server) handleRunQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	result, err := s.runner.Run(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	jsonBytes, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// handleGetPlan handles the get_plan tool.
func (s *Server) handleGetPlan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID := request.GetString("plan_id", "")
	if planID == "" {
		return mcp.NewToolResultError("plan_id parameter is required"), nil
	}

	plan, err := s.store.Get(planID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get plan failed: %v", err)), nil
	}
	if plan == nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan %s not found", planID)), nil
	}

	jsonBytes, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal plan failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// handleListPlans handles the list_plans tool.
func (s *Server) handleListPlans(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summaries, err := s.store.List()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list plans failed: %v", err)), nil
	}

	jsonBytes, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal plans failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// handleListSkills handles the list_skills tool.
func (s *Server) handleListSkills(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.registry.Description(nil)), nil
}
