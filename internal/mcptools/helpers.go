// Package mcptools exposes the coordination operations as MCP tools.
//
// Each tool follows the same shape:
// - a struct holding the engine and the default agent identity
// - Definition() returns the mcp.Tool schema
// - Handle() runs the operation and renders the result as JSON text
//
// Taxonomy errors (conflicts, invalid transitions, cycles...) are tool
// results with IsError set so the agent can react to them. Only storage
// failures surface as Go errors.
package mcptools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"workbridge/internal/engine"
)

// Agent is the identity used when a call does not name one.
type Agent struct {
	ID           string
	Type         string
	Capabilities []string
}

type base struct {
	engine engine.Engine
	agent  Agent
}

// agentID prefers the agent_id argument over the server default.
func (b base) agentID(req mcp.CallToolRequest) string {
	if v := strings.TrimSpace(req.GetString("agent_id", "")); v != "" {
		return v
	}
	return b.agent.ID
}

func withAgentID(desc string) mcp.ToolOption {
	return mcp.WithString("agent_id", mcp.Description(desc))
}

func withKey() mcp.ToolOption {
	return mcp.WithString("idempotency_key",
		mcp.Required(),
		mcp.Description("Caller chosen key. Retrying with the same key returns the recorded result."),
	)
}

func withExpectedVersion() mcp.ToolOption {
	return mcp.WithString("expected_version",
		mcp.Required(),
		mcp.Description("Event id of the item version the caller last saw (version field of a previous result)"),
	)
}

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// listArg accepts either a JSON array of strings or a comma separated string.
func listArg(req mcp.CallToolRequest, key string) []string {
	var out []string
	switch v := req.GetArguments()[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult turns taxonomy errors into tool errors prefixed with their code.
func errorResult(err error) (*mcp.CallToolResult, error) {
	code := engine.ErrorCode(err)
	if code == engine.CodeSystem {
		return nil, err
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", code, err)), nil
}
