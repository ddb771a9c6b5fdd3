package domain

import (
	"encoding/json"
	"fmt"
)

// Action is the namespaced verb of an event. It selects the payload variant.
type Action string

const (
	ActionWorkCreated     Action = "work.created"
	ActionWorkClaimed     Action = "work.claimed"
	ActionWorkAssigned    Action = "work.assigned"
	ActionStatusChanged   Action = "work.status_changed"
	ActionWorkEstimated   Action = "work.estimated"
	ActionDependencyAdded Action = "work.dependency_added"
	ActionErrorReported   Action = "work.error_reported"
	ActionWorkReleased    Action = "work.released"
	ActionAgentConflict   Action = "agent.conflict"
)

// Payload is one variant of the action-keyed union carried in Event.Attributes.
type Payload interface {
	Action() Action
}

type WorkCreated struct {
	DisplayID     int64  `json:"display_id"`
	Title         string `json:"title"`
	Type          string `json:"type"`
	Severity      string `json:"severity"`
	Description   string `json:"description,omitempty"`
	BusinessValue int    `json:"business_value"`
	PriorityScore int    `json:"priority_score"`
	Points        *int   `json:"points,omitempty"`
	Status        Status `json:"status"`
}

type WorkClaimed struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	SkillScore   int      `json:"skill_match_score"`
	Attempt      int      `json:"attempt"`
}

type WorkAssigned struct {
	AssigneeID string `json:"assignee_id"`
	Previous   string `json:"previous_assignee_id,omitempty"`
}

type StatusChanged struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type WorkEstimated struct {
	Points int `json:"points"`
}

type DependencyAdded struct {
	DependsOnID    string `json:"depends_on_id"`
	DependencyType string `json:"dependency_type"`
}

type ErrorReported struct {
	AgentID            string `json:"agent_id"`
	ErrorType          string `json:"error_type"`
	Message            string `json:"message"`
	WillRetry          bool   `json:"will_retry"`
	RetryAfter         int    `json:"retry_after_seconds,omitempty"`
	RetryCount         int    `json:"retry_count"`
	ShouldRetry        bool   `json:"should_retry"`
	MaxRetriesExceeded bool   `json:"max_retries_exceeded"`
}

type WorkReleased struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
	From    Status `json:"from"`
	To      Status `json:"to"`
}

// Conflict is the audit record of a rejected write or a lost claim race.
type Conflict struct {
	Operation string `json:"operation"`
	WorkID    string `json:"work_id"`
	Expected  string `json:"expected_version,omitempty"`
	Actual    string `json:"actual_version,omitempty"`
	Reason    string `json:"reason"`
	Attempt   int    `json:"attempt,omitempty"`
}

func (WorkCreated) Action() Action     { return ActionWorkCreated }
func (WorkClaimed) Action() Action     { return ActionWorkClaimed }
func (WorkAssigned) Action() Action    { return ActionWorkAssigned }
func (StatusChanged) Action() Action   { return ActionStatusChanged }
func (WorkEstimated) Action() Action   { return ActionWorkEstimated }
func (DependencyAdded) Action() Action { return ActionDependencyAdded }
func (ErrorReported) Action() Action   { return ActionErrorReported }
func (WorkReleased) Action() Action    { return ActionWorkReleased }
func (Conflict) Action() Action        { return ActionAgentConflict }

// DecodePayload unmarshals raw attributes into the variant registered for action.
func DecodePayload(action Action, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch action {
	case ActionWorkCreated:
		var v WorkCreated
		err = unmarshalAttrs(raw, &v)
		p = v
	case ActionWorkClaimed:
		var v WorkClaimed
		err = unmarshalAttrs(raw, &v)
		p = v
	case ActionWorkAssigned:
		var v WorkAssigned
		err = unmarshalAttrs(raw, &v)
		p = v
	case ActionStatusChanged:
		var v StatusChanged
		err = unmarshalAttrs(raw, &v)
		p = v
	case ActionWorkEstimated:
		var v WorkEstimated
		err = unmarshalAttrs(raw, &v)
		p = v
	case ActionDependencyAdded:
		var v DependencyAdded
		err = unmarshalAttrs(raw, &v)
		p = v
	case ActionErrorReported:
		var v ErrorReported
		err = unmarshalAttrs(raw, &v)
		p = v
	case ActionWorkReleased:
		var v WorkReleased
		err = unmarshalAttrs(raw, &v)
		p = v
	case ActionAgentConflict:
		var v Conflict
		err = unmarshalAttrs(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s attributes: %w", action, err)
	}
	return p, nil
}

func unmarshalAttrs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
