package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"workbridge/internal/engine"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Tool is the shape every handler in this package shares.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Tools returns every tool bound to e, with agent as the default caller.
func Tools(e engine.Engine, agent Agent) []Tool {
	return []Tool{
		NewCreateWorkTool(e, agent),
		NewClaimTool(e, agent),
		NewAssignTool(e, agent),
		NewTransitionTool(e, agent),
		NewEstimateTool(e, agent),
		NewDependencyTool(e, agent),
		NewCompleteTool(e, agent),
		NewErrorTool(e, agent),
		NewReleaseTool(e, agent),
		NewGetWorkTool(e),
		NewListWorkTool(e),
		NewLagTool(e),
		NewEventsTool(e),
	}
}

// NewServer builds the MCP server with all tools registered.
func NewServer(e engine.Engine, agent Agent) *server.MCPServer {
	s := server.NewMCPServer(
		"workbridge",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range Tools(e, agent) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s
}

const instructions = `Workbridge coordinates work items between agents through an append-only event log.

Typical loop:
1. claim_next with your capabilities to get an item assigned to you (it moves to in_progress).
2. Do the work. On failure call handle_error; stop retrying when should_retry is false.
3. complete_work when finished, or release_work to give the item back.

Every mutating tool needs an idempotency_key: reuse it when retrying the same request.
Version-guarded tools need expected_version, the version field of the last result you saw.
A conflict error means someone else changed the item: re-read it with get_work and decide again.`
