package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"workbridge/internal/db"
	"workbridge/internal/domain"
)

const eventColumns = `seq,event_id,action,occurred_at,actor_id,entity_type,entity_id,attributes_json,idempotency_key,expected_version,schema_version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var (
		e          domain.Event
		action     string
		occurredAt string
		attrs      string
		expected   sql.NullString
	)
	if err := row.Scan(&e.Seq, &e.ID, &action, &occurredAt, &e.ActorID, &e.EntityType, &e.EntityID, &attrs, &e.IdempotencyKey, &expected, &e.SchemaVersion); err != nil {
		return e, err
	}
	e.Action = domain.Action(action)
	e.Attributes = []byte(attrs)
	if expected.Valid {
		e.ExpectedVersion = expected.String
	}
	ts, err := domain.ParseTime(occurredAt)
	if err != nil {
		return e, fmt.Errorf("event %s occurred_at: %w", e.ID, err)
	}
	e.OccurredAt = ts
	return e, nil
}

func queryEvents(ctx context.Context, q db.Querier, query string, args ...any) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func refOf(e domain.Event) domain.EventRef {
	return domain.EventRef{
		Seq:            e.Seq,
		EventID:        e.ID,
		Action:         e.Action,
		EntityID:       e.EntityID,
		IdempotencyKey: e.IdempotencyKey,
		OccurredAt:     e.OccurredAt,
	}
}

// Lookup finds the event stored under an idempotency key.
func Lookup(ctx context.Context, q db.Querier, key string) (domain.EventRef, error) {
	e, err := ByKey(ctx, q, key)
	if err != nil {
		return domain.EventRef{}, err
	}
	return refOf(e), nil
}

// ByKey returns the full event stored under an idempotency key.
func ByKey(ctx context.Context, q db.Querier, key string) (domain.Event, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE idempotency_key=?`, key))
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// ByID returns the event with the given event_id.
func ByID(ctx context.Context, q db.Querier, id string) (domain.Event, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id=?`, id))
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// ForEntity returns the full history of an entity in occurrence order.
func ForEntity(ctx context.Context, q db.Querier, entityID string) ([]domain.Event, error) {
	return queryEvents(ctx, q, `SELECT `+eventColumns+` FROM events WHERE entity_id=? ORDER BY occurred_at ASC, seq ASC`, entityID)
}

// ForEntityAfter returns the events of an entity appended after cursor.
func ForEntityAfter(ctx context.Context, q db.Querier, entityID string, cursor int64) ([]domain.Event, error) {
	return queryEvents(ctx, q, `SELECT `+eventColumns+` FROM events WHERE entity_id=? AND seq>? ORDER BY occurred_at ASC, seq ASC`, entityID, cursor)
}

// After returns up to limit events with seq greater than cursor, ascending.
func After(ctx context.Context, q db.Querier, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryEvents(ctx, q, `SELECT `+eventColumns+` FROM events WHERE seq>? ORDER BY seq ASC LIMIT ?`, cursor, limit)
}

// Head returns the highest committed seq, 0 for an empty log.
func Head(ctx context.Context, q db.Querier) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events`).Scan(&seq)
	return seq, err
}

type TailFilter struct {
	EntityID string
	Action   domain.Action
	Before   int64
	Limit    int
}

// Tail returns the newest events first.
func Tail(ctx context.Context, q db.Querier, f TailFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, string(f.Action))
	}
	if f.Before > 0 {
		clauses = append(clauses, "seq<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY seq DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	return queryEvents(ctx, q, query, args...)
}

// CountErrors counts error reports for (work, agent) at or after since,
// excluding reports typed as conflicts.
func CountErrors(ctx context.Context, q db.Querier, workID, agentID string, since time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM events
WHERE action=? AND entity_id=? AND occurred_at>=?
  AND json_extract(attributes_json,'$.agent_id')=?
  AND COALESCE(json_extract(attributes_json,'$.error_type'),'')!='conflict'`,
		string(domain.ActionErrorReported), workID, domain.FormatTime(since), agentID).Scan(&n)
	return n, err
}

// DependencyTargets lists the depends_on ids recorded for workID in the log.
func DependencyTargets(ctx context.Context, q db.Querier, workID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT json_extract(attributes_json,'$.depends_on_id') FROM events
WHERE action=? AND entity_id=? ORDER BY 1`, string(domain.ActionDependencyAdded), workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id.Valid && id.String != "" {
			ids = append(ids, id.String)
		}
	}
	return ids, rows.Err()
}
