package server

import (
	"encoding/json"
	"time"

	"workbridge/internal/domain"
)

// Request payloads. Every mutating request carries an idempotency key, either
// in the body or in the Idempotency-Key header.

type CreateWorkRequest struct {
	Title          string `json:"title" minLength:"1"`
	Type           string `json:"type,omitempty" example:"bug"`
	Severity       string `json:"severity,omitempty" example:"high"`
	Description    string `json:"description,omitempty"`
	BusinessValue  int    `json:"business_value,omitempty" minimum:"0"`
	Points         *int   `json:"points,omitempty" minimum:"0"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type ClaimNextRequest struct {
	AgentType      string   `json:"agent_type,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty" minimum:"0"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

type AssignRequest struct {
	AssigneeID      string `json:"assignee_id"`
	ExpectedVersion string `json:"expected_version"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

type TransitionRequest struct {
	Status          domain.Status `json:"status" enum:"new,backlog,ready,in_progress,review,done,blocked,cancelled"`
	ExpectedVersion string        `json:"expected_version"`
	Reason          string        `json:"reason,omitempty"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty"`
}

type EstimateRequest struct {
	Points          int    `json:"points" minimum:"0"`
	ExpectedVersion string `json:"expected_version"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

type DependencyRequest struct {
	DependsOnID     string `json:"depends_on_id"`
	DependencyType  string `json:"dependency_type,omitempty" example:"blocks"`
	ExpectedVersion string `json:"expected_version"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

type CompleteRequest struct {
	ExpectedVersion string `json:"expected_version"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

type ReleaseRequest struct {
	ExpectedVersion string `json:"expected_version"`
	Reason          string `json:"reason,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

type ErrorReportRequest struct {
	ErrorType      string `json:"error_type" example:"timeout"`
	Message        string `json:"message,omitempty"`
	WillRetry      bool   `json:"will_retry,omitempty"`
	RetryAfter     int    `json:"retry_after_seconds,omitempty" minimum:"0"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type DevLoginRequest struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	TTLSeconds   int      `json:"ttl_seconds,omitempty" minimum:"0"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// EventResponse is a log entry with its attributes decoded.
type EventResponse struct {
	Seq             int64          `json:"seq"`
	EventID         string         `json:"event_id"`
	Action          string         `json:"action"`
	OccurredAt      time.Time      `json:"occurred_at" format:"date-time"`
	ActorID         string         `json:"actor_id"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	IdempotencyKey  string         `json:"idempotency_key"`
	ExpectedVersion string         `json:"expected_version,omitempty"`
	SchemaVersion   int            `json:"schema_version"`
	Attributes      map[string]any `json:"attributes"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ConsistentResponse struct {
	EntityID          string                   `json:"entity_id"`
	ConsistencyStatus domain.ConsistencyStatus `json:"consistency_status" enum:"PROMOTED,PENDING"`
	ProjectedVersion  string                   `json:"projected_version,omitempty"`
	Item              *domain.WorkItem         `json:"item,omitempty"`
	PendingEvents     []EventResponse          `json:"pending_events,omitempty"`
}

type StatusResponse struct {
	ProjectID   string          `json:"project_id"`
	StatusCount map[string]int  `json:"status_counts"`
	Lag         domain.LagStats `json:"lag"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		Seq:             e.Seq,
		EventID:         e.ID,
		Action:          string(e.Action),
		OccurredAt:      e.OccurredAt,
		ActorID:         e.ActorID,
		EntityType:      e.EntityType,
		EntityID:        e.EntityID,
		IdempotencyKey:  e.IdempotencyKey,
		ExpectedVersion: e.ExpectedVersion,
		SchemaVersion:   e.SchemaVersion,
		Attributes:      decodeJSONMap(e.Attributes),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		out = append(out, eventResponse(evt))
	}
	return out
}

func consistentResponse(v domain.ConsistentView) ConsistentResponse {
	resp := ConsistentResponse{
		EntityID:          v.EntityID,
		ConsistencyStatus: v.ConsistencyStatus,
		ProjectedVersion:  v.ProjectedVersion,
		Item:              v.Item,
	}
	if len(v.PendingEvents) > 0 {
		resp.PendingEvents = mapEvents(v.PendingEvents)
	}
	return resp
}

func decodeJSONMap(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return out
}
