package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"workbridge/internal/engine"
)

// ClaimTool handles the claim_next MCP tool.
type ClaimTool struct{ base }

func NewClaimTool(e engine.Engine, agent Agent) *ClaimTool {
	return &ClaimTool{base{engine: e, agent: agent}}
}

func (t *ClaimTool) Definition() mcp.Tool {
	return mcp.NewTool("claim_next",
		mcp.WithDescription(
			"Claim the best eligible unassigned work item. Items are ranked by how well your capabilities "+
				"match the title and description, then by severity, then by age. The claimed item is assigned to you "+
				"and moved to in_progress. Reports no_work_available when nothing is eligible.",
		),
		mcp.WithString("capabilities", mcp.Description("Comma separated skills, e.g. 'sql,dashboard' (default: the server agent's)")),
		mcp.WithString("agent_type", mcp.Description("Kind of agent, recorded on the claim")),
		mcp.WithNumber("max_attempts", mcp.Description("Claim attempts before giving up (default: project config)")),
		withAgentID("Claiming agent (default: the server agent)"),
		withKey(),
	)
}

func (t *ClaimTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caps := listArg(req, "capabilities")
	if len(caps) == 0 {
		caps = t.agent.Capabilities
	}
	claim, err := t.engine.ClaimNext(ctx, engine.ClaimOptions{
		AgentID:        t.agentID(req),
		AgentType:      req.GetString("agent_type", t.agent.Type),
		Capabilities:   caps,
		MaxAttempts:    intArg(req, "max_attempts", 0),
		IdempotencyKey: req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(claim)
}

// ErrorTool handles the handle_error MCP tool.
type ErrorTool struct{ base }

func NewErrorTool(e engine.Engine, agent Agent) *ErrorTool {
	return &ErrorTool{base{engine: e, agent: agent}}
}

func (t *ErrorTool) Definition() mcp.Tool {
	return mcp.NewTool("handle_error",
		mcp.WithDescription(
			"Report a failure while working an item and get a retry decision. After too many failures "+
				"within the retry window the item is blocked. Reports of type 'conflict' do not count.",
		),
		mcp.WithString("work_id", mcp.Required()),
		mcp.WithString("error_type", mcp.Required(), mcp.Description("Failure category, e.g. timeout, crash, conflict")),
		mcp.WithString("message", mcp.Description("Failure details")),
		mcp.WithBoolean("will_retry", mcp.Description("Whether the agent intends to retry")),
		mcp.WithNumber("retry_after_seconds", mcp.Description("Suggested delay before retrying")),
		withAgentID("Reporting agent (default: the server agent)"),
		withKey(),
	)
}

func (t *ErrorTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := t.engine.HandleError(ctx, engine.ErrorOptions{
		WorkID:         req.GetString("work_id", ""),
		AgentID:        t.agentID(req),
		ErrorType:      req.GetString("error_type", ""),
		Message:        req.GetString("message", ""),
		WillRetry:      boolArg(req, "will_retry", false),
		RetryAfter:     intArg(req, "retry_after_seconds", 0),
		IdempotencyKey: req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(out)
}
