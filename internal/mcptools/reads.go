package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"workbridge/internal/domain"
	"workbridge/internal/engine"
	"workbridge/internal/events"
	"workbridge/internal/repo"
)

// GetWorkTool handles the get_work MCP tool. It reads through the
// consistent view so the agent sees its own writes.
type GetWorkTool struct{ base }

func NewGetWorkTool(e engine.Engine) *GetWorkTool {
	return &GetWorkTool{base{engine: e}}
}

func (t *GetWorkTool) Definition() mcp.Tool {
	return mcp.NewTool("get_work",
		mcp.WithDescription("Read a work item merged with any events not yet projected. consistency_status is PENDING when unprojected events were merged."),
		mcp.WithString("work_id", mcp.Required()),
	)
}

func (t *GetWorkTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("work_id", "")
	if id == "" {
		return mcp.NewToolResultError("validation_error: 'work_id' is required"), nil
	}
	view, err := t.engine.GetEntityConsistent(ctx, id)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(view)
}

// ListWorkTool handles the list_work MCP tool.
type ListWorkTool struct{ base }

func NewListWorkTool(e engine.Engine) *ListWorkTool {
	return &ListWorkTool{base{engine: e}}
}

func (t *ListWorkTool) Definition() mcp.Tool {
	return mcp.NewTool("list_work",
		mcp.WithDescription("List projected work items in display id order."),
		mcp.WithString("status", mcp.Description("Only items in this status")),
		mcp.WithString("assignee_id", mcp.Description("Only items assigned to this agent")),
		mcp.WithBoolean("unassigned", mcp.Description("Only items without an assignee")),
		mcp.WithNumber("limit", mcp.Description("Maximum items (default: 50)")),
	)
}

func (t *ListWorkTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := domain.Status(req.GetString("status", ""))
	if status != "" && !status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("validation_error: unknown status %q", status)), nil
	}
	items, err := t.engine.ListWork(ctx, repo.WorkFilters{
		Status:     status,
		AssigneeID: req.GetString("assignee_id", ""),
		Unassigned: boolArg(req, "unassigned", false),
		Limit:      intArg(req, "limit", 50),
	})
	if err != nil {
		return errorResult(err)
	}
	if items == nil {
		items = []domain.WorkItem{}
	}
	return jsonResult(items)
}

// LagTool handles the projection_lag MCP tool.
type LagTool struct{ base }

func NewLagTool(e engine.Engine) *LagTool {
	return &LagTool{base{engine: e}}
}

func (t *LagTool) Definition() mcp.Tool {
	return mcp.NewTool("projection_lag",
		mcp.WithDescription("Report how many log events the projector has not folded yet and how old they are."),
	)
}

func (t *LagTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.engine.Lag(ctx)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(stats)
}

// EventsTool handles the tail_events MCP tool.
type EventsTool struct{ base }

func NewEventsTool(e engine.Engine) *EventsTool {
	return &EventsTool{base{engine: e}}
}

func (t *EventsTool) Definition() mcp.Tool {
	return mcp.NewTool("tail_events",
		mcp.WithDescription("List recent log events, newest first."),
		mcp.WithString("entity_id", mcp.Description("Only events of this entity")),
		mcp.WithString("action", mcp.Description("Only events with this action, e.g. work.claimed")),
		mcp.WithNumber("limit", mcp.Description("Maximum events (default: 20)")),
	)
}

func (t *EventsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	evts, err := t.engine.TailEvents(ctx, events.TailFilter{
		EntityID: req.GetString("entity_id", ""),
		Action:   domain.Action(req.GetString("action", "")),
		Limit:    intArg(req, "limit", 20),
	})
	if err != nil {
		return errorResult(err)
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return jsonResult(evts)
}
