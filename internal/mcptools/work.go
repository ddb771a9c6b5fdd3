package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"workbridge/internal/domain"
	"workbridge/internal/engine"
)

// CreateWorkTool handles the create_work MCP tool.
type CreateWorkTool struct{ base }

func NewCreateWorkTool(e engine.Engine, agent Agent) *CreateWorkTool {
	return &CreateWorkTool{base{engine: e, agent: agent}}
}

func (t *CreateWorkTool) Definition() mcp.Tool {
	return mcp.NewTool("create_work",
		mcp.WithDescription("Create a work item. The item starts in status new; its work_id is derived from the idempotency key."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short title; capability keywords here weigh most when agents claim")),
		mcp.WithString("type", mcp.Description("Work type from the project config (default: feature)")),
		mcp.WithString("severity", mcp.Description("critical, high, medium or low (default: medium)")),
		mcp.WithString("description", mcp.Description("Longer description")),
		mcp.WithNumber("business_value", mcp.Description("Business value, 0 or more")),
		mcp.WithNumber("points", mcp.Description("Initial story points estimate")),
		withAgentID("Author of the item (default: the server agent)"),
		withKey(),
	)
}

func (t *CreateWorkTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := engine.CreateWorkOptions{
		Title:          req.GetString("title", ""),
		Type:           req.GetString("type", ""),
		Severity:       req.GetString("severity", ""),
		Description:    req.GetString("description", ""),
		BusinessValue:  intArg(req, "business_value", 0),
		ActorID:        t.agentID(req),
		IdempotencyKey: req.GetString("idempotency_key", ""),
	}
	if _, ok := req.GetArguments()["points"]; ok {
		p := intArg(req, "points", 0)
		opts.Points = &p
	}
	res, err := t.engine.CreateWork(ctx, opts)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

// AssignTool handles the assign MCP tool.
type AssignTool struct{ base }

func NewAssignTool(e engine.Engine, agent Agent) *AssignTool {
	return &AssignTool{base{engine: e, agent: agent}}
}

func (t *AssignTool) Definition() mcp.Tool {
	return mcp.NewTool("assign",
		mcp.WithDescription("Assign a work item to an agent."),
		mcp.WithString("work_id", mcp.Required()),
		mcp.WithString("assignee_id", mcp.Required(), mcp.Description("Agent receiving the item")),
		withExpectedVersion(),
		withAgentID("Agent performing the assignment (default: the server agent)"),
		withKey(),
	)
}

func (t *AssignTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.engine.Assign(ctx, engine.AssignOptions{
		WorkID:          req.GetString("work_id", ""),
		AssigneeID:      req.GetString("assignee_id", ""),
		ExpectedVersion: req.GetString("expected_version", ""),
		ActorID:         t.agentID(req),
		IdempotencyKey:  req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

// TransitionTool handles the transition_status MCP tool.
type TransitionTool struct{ base }

func NewTransitionTool(e engine.Engine, agent Agent) *TransitionTool {
	return &TransitionTool{base{engine: e, agent: agent}}
}

func (t *TransitionTool) Definition() mcp.Tool {
	statuses := make([]string, len(domain.Statuses))
	for i, s := range domain.Statuses {
		statuses[i] = string(s)
	}
	return mcp.NewTool("transition_status",
		mcp.WithDescription("Move a work item one step along its lifecycle. Invalid steps report the allowed targets."),
		mcp.WithString("work_id", mcp.Required()),
		mcp.WithString("status", mcp.Required(), mcp.Enum(statuses...)),
		mcp.WithString("reason", mcp.Description("Why the status changes")),
		withExpectedVersion(),
		withAgentID("Agent performing the transition (default: the server agent)"),
		withKey(),
	)
}

func (t *TransitionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.engine.TransitionStatus(ctx, engine.TransitionOptions{
		WorkID:          req.GetString("work_id", ""),
		To:              domain.Status(req.GetString("status", "")),
		ExpectedVersion: req.GetString("expected_version", ""),
		Reason:          req.GetString("reason", ""),
		ActorID:         t.agentID(req),
		IdempotencyKey:  req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

// EstimateTool handles the estimate MCP tool.
type EstimateTool struct{ base }

func NewEstimateTool(e engine.Engine, agent Agent) *EstimateTool {
	return &EstimateTool{base{engine: e, agent: agent}}
}

func (t *EstimateTool) Definition() mcp.Tool {
	return mcp.NewTool("estimate",
		mcp.WithDescription("Record story points for a work item."),
		mcp.WithString("work_id", mcp.Required()),
		mcp.WithNumber("points", mcp.Required(), mcp.Description("Story points, 0 or more")),
		withExpectedVersion(),
		withAgentID("Agent estimating (default: the server agent)"),
		withKey(),
	)
}

func (t *EstimateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, ok := req.GetArguments()["points"].(float64); !ok {
		return mcp.NewToolResultError("validation_error: 'points' is required"), nil
	}
	res, err := t.engine.Estimate(ctx, engine.EstimateOptions{
		WorkID:          req.GetString("work_id", ""),
		Points:          intArg(req, "points", 0),
		ExpectedVersion: req.GetString("expected_version", ""),
		ActorID:         t.agentID(req),
		IdempotencyKey:  req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

// DependencyTool handles the add_dependency MCP tool.
type DependencyTool struct{ base }

func NewDependencyTool(e engine.Engine, agent Agent) *DependencyTool {
	return &DependencyTool{base{engine: e, agent: agent}}
}

func (t *DependencyTool) Definition() mcp.Tool {
	return mcp.NewTool("add_dependency",
		mcp.WithDescription("Record that work_id depends on depends_on_id. Edges that would close a cycle are rejected with the cycle path."),
		mcp.WithString("work_id", mcp.Required()),
		mcp.WithString("depends_on_id", mcp.Required()),
		mcp.WithString("dependency_type", mcp.Description("Edge type from the project config (default: blocks)")),
		withExpectedVersion(),
		withAgentID("Agent adding the edge (default: the server agent)"),
		withKey(),
	)
}

func (t *DependencyTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.engine.AddDependency(ctx, engine.DependencyOptions{
		WorkID:          req.GetString("work_id", ""),
		DependsOnID:     req.GetString("depends_on_id", ""),
		Type:            req.GetString("dependency_type", ""),
		ExpectedVersion: req.GetString("expected_version", ""),
		ActorID:         t.agentID(req),
		IdempotencyKey:  req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

// CompleteTool handles the complete_work MCP tool.
type CompleteTool struct{ base }

func NewCompleteTool(e engine.Engine, agent Agent) *CompleteTool {
	return &CompleteTool{base{engine: e, agent: agent}}
}

func (t *CompleteTool) Definition() mcp.Tool {
	return mcp.NewTool("complete_work",
		mcp.WithDescription("Mark a work item you hold as done."),
		mcp.WithString("work_id", mcp.Required()),
		withExpectedVersion(),
		withAgentID("Assignee completing the item (default: the server agent)"),
		withKey(),
	)
}

func (t *CompleteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.engine.CompleteWork(ctx, engine.CompleteOptions{
		WorkID:          req.GetString("work_id", ""),
		AgentID:         t.agentID(req),
		ExpectedVersion: req.GetString("expected_version", ""),
		IdempotencyKey:  req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

// ReleaseTool handles the release_work MCP tool.
type ReleaseTool struct{ base }

func NewReleaseTool(e engine.Engine, agent Agent) *ReleaseTool {
	return &ReleaseTool{base{engine: e, agent: agent}}
}

func (t *ReleaseTool) Definition() mcp.Tool {
	return mcp.NewTool("release_work",
		mcp.WithDescription("Give a work item you hold back to the pool. In-progress and blocked items return to ready."),
		mcp.WithString("work_id", mcp.Required()),
		mcp.WithString("reason", mcp.Description("Why the item is released")),
		withExpectedVersion(),
		withAgentID("Assignee releasing the item (default: the server agent)"),
		withKey(),
	)
}

func (t *ReleaseTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.engine.ReleaseWork(ctx, engine.ReleaseOptions{
		WorkID:          req.GetString("work_id", ""),
		AgentID:         t.agentID(req),
		ExpectedVersion: req.GetString("expected_version", ""),
		Reason:          req.GetString("reason", ""),
		IdempotencyKey:  req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}
