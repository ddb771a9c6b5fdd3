package domain

import (
	"encoding/json"
	"time"
)

// SchemaVersion is stamped on every event written by this build.
const SchemaVersion = 1

// TimeLayout is fixed width so stored timestamps sort as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// Entity types carried in the event envelope.
const (
	EntityWorkItem = "work_item"
	EntityAgent    = "agent"
)

type Status string

const (
	StatusNew        Status = "new"
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every lifecycle state in declaration order.
var Statuses = []Status{
	StatusNew, StatusBacklog, StatusReady, StatusInProgress,
	StatusReview, StatusDone, StatusBlocked, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the normal lifecycle.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Event is an immutable fact in the log.
type Event struct {
	Seq             int64           `json:"seq"`
	ID              string          `json:"event_id"`
	Action          Action          `json:"action"`
	OccurredAt      time.Time       `json:"occurred_at" format:"date-time"`
	ActorID         string          `json:"actor_id"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Attributes      json.RawMessage `json:"attributes"`
	IdempotencyKey  string          `json:"idempotency_key"`
	ExpectedVersion string          `json:"expected_version,omitempty"`
	SchemaVersion   int             `json:"schema_version"`
}

// Payload decodes the event attributes into the variant keyed by its action.
func (e Event) Payload() (Payload, error) {
	return DecodePayload(e.Action, e.Attributes)
}

// Draft is an event that has not been committed yet.
type Draft struct {
	ActorID         string
	EntityType      string
	EntityID        string
	IdempotencyKey  string
	ExpectedVersion string
	Payload         Payload
}

func (d Draft) Action() Action {
	if d.Payload == nil {
		return ""
	}
	return d.Payload.Action()
}

// EventRef points at a committed event. Idempotent is set when the append
// matched an existing idempotency key instead of writing.
type EventRef struct {
	Seq            int64     `json:"seq"`
	EventID        string    `json:"event_id"`
	Action         Action    `json:"action"`
	EntityID       string    `json:"entity_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	OccurredAt     time.Time `json:"occurred_at" format:"date-time"`
	Idempotent     bool      `json:"idempotent_return"`
}

type WorkItem struct {
	WorkID        string       `json:"work_id"`
	DisplayID     int64        `json:"display_id"`
	Title         string       `json:"title"`
	Type          string       `json:"type"`
	Severity      string       `json:"severity"`
	Description   string       `json:"description,omitempty"`
	Status        Status       `json:"status"`
	AssigneeID    *string      `json:"assignee_id,omitempty"`
	ClaimedBy     *string      `json:"claimed_by,omitempty"`
	Points        *int         `json:"points,omitempty"`
	BusinessValue int          `json:"business_value"`
	PriorityScore int          `json:"priority_score"`
	CreatedAt     time.Time    `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time    `json:"updated_at" format:"date-time"`
	LastEventID   string       `json:"last_event_id"`
	LastSeq       int64        `json:"last_seq"`
	DependsOn     []Dependency `json:"depends_on,omitempty"`
}

// Assignee returns the assignee id or "".
func (w WorkItem) Assignee() string {
	if w.AssigneeID == nil {
		return ""
	}
	return *w.AssigneeID
}

type Dependency struct {
	WorkID         string `json:"work_id"`
	DependsOnID    string `json:"depends_on_id"`
	DependencyType string `json:"dependency_type"`
}

// Claim is a successful reservation by an agent.
type Claim struct {
	WorkID       string `json:"work_id"`
	DisplayID    int64  `json:"display_id"`
	Title        string `json:"title"`
	AgentID      string `json:"agent_id"`
	Status       Status `json:"status"`
	ClaimEventID string `json:"claim_event_id"`
	Version      string `json:"version"`
	SkillScore   int    `json:"skill_match_score"`
	Attempts     int    `json:"attempts"`
	Idempotent   bool   `json:"idempotent_return"`
}

// Result describes the state of a work item after a mutating operation.
type Result struct {
	WorkID     string  `json:"work_id"`
	DisplayID  int64   `json:"display_id,omitempty"`
	Action     Action  `json:"action"`
	Status     Status  `json:"status"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	EventID    string  `json:"event_id"`
	Version    string  `json:"version"`
	Idempotent bool    `json:"idempotent_return"`
}

// ErrorOutcome is the decision recorded by the error tracker.
type ErrorOutcome struct {
	WorkID             string `json:"work_id"`
	AgentID            string `json:"agent_id"`
	EventID            string `json:"event_id"`
	RetryCount         int    `json:"retry_count"`
	ShouldRetry        bool   `json:"should_retry"`
	MaxRetriesExceeded bool   `json:"max_retries_exceeded"`
	RetryAfter         int    `json:"retry_after_seconds,omitempty"`
	Blocked            bool   `json:"blocked"`
	Version            string `json:"version"`
	Idempotent         bool   `json:"idempotent_return"`
}

type ConsistencyStatus string

const (
	ConsistencyPromoted ConsistencyStatus = "PROMOTED"
	ConsistencyPending  ConsistencyStatus = "PENDING"
)

// ConsistentView merges the projection with log entries the projector has not
// folded yet.
type ConsistentView struct {
	EntityID          string            `json:"entity_id"`
	Item              *WorkItem         `json:"item,omitempty"`
	ConsistencyStatus ConsistencyStatus `json:"consistency_status"`
	ProjectedVersion  string            `json:"projected_version,omitempty"`
	PendingEvents     []Event           `json:"pending_events,omitempty"`
}

// LagStats summarizes events appended but not yet folded. PendingCount and
// the ages cover work item events newer than their entity's projected row,
// the same events a consistent read reports as PENDING. CursorPending counts
// events past the catch-up cursor, including ones already folded on write.
type LagStats struct {
	CursorSeq     int64   `json:"cursor_seq"`
	HeadSeq       int64   `json:"head_seq"`
	CursorPending int64   `json:"cursor_pending"`
	PendingCount  int     `json:"pending_count"`
	MaxAgeSeconds float64 `json:"max_age_seconds"`
	AvgAgeSeconds float64 `json:"avg_age_seconds"`
}
