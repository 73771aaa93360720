// Package mcp exposes read-only workflow tools to MCP clients.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"bookingflow/backend/internal/services"
)

type Server struct {
	mcpServer *server.MCPServer
	engine    *services.Engine
	tracker   *services.Tracker
}

func NewServer(engine *services.Engine, tracker *services.Tracker) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Booking Workflow",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		engine:  engine,
		tracker: tracker,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_tracking",
			mcp.WithDescription("Tracking snapshot with response, quote and delivery rates for one run or the most recent runs"),
			mcp.WithString("run_id", mcp.Description("The workflow run to report on; omit for recent runs")),
			mcp.WithNumber("recent", mcp.Description("How many recent runs to include (1-100, default 10)")),
		),
		s.handleGetTracking,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"check_thresholds",
			mcp.WithDescription("Provider response counts for a workflow run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The workflow run ID")),
		),
		s.handleCheckThresholds,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow",
			mcp.WithDescription("Current step and status of a workflow run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The workflow run ID")),
		),
		s.handleGetWorkflow,
	)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, bool) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, true
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	return args, ok
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetTracking(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	q := services.TrackingQuery{Requester: "mcp"}
	if runID, ok := args["run_id"].(string); ok {
		q.RunID = runID
	}
	if recent, ok := args["recent"].(float64); ok {
		q.Recent = int(recent)
	}

	data, err := s.tracker.GetTrackingData(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get tracking data: %v", err)), nil
	}
	return jsonResult(data)
}

func (s *Server) handleCheckThresholds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	runID, ok := args["run_id"].(string)
	if !ok || runID == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}

	th, err := s.engine.CheckThresholds(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check thresholds: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"runId":      runID,
		"thresholds": th,
		"ready":      th.Ready(s.engine.Settings().MinResponsesRequired),
	})
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	runID, ok := args["run_id"].(string)
	if !ok || runID == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}

	run, err := s.engine.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get workflow: %v", err)), nil
	}
	return jsonResult(map[string]any{"run": run, "stepName": run.StepName()})
}

// MountHTTPHandlers serves the MCP server over SSE under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
