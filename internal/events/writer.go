package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"workbridge/internal/db"
	"workbridge/internal/domain"
)

var (
	// ErrNotFound is returned when no event carries the requested key or id.
	ErrNotFound = errors.New("event not found")
	// ErrInvalidDraft wraps draft validation failures.
	ErrInvalidDraft = errors.New("invalid event draft")
	// ErrVersionTaken means another event already succeeded the expected version.
	ErrVersionTaken = errors.New("expected version already superseded")
)

// Writer appends events at most once per idempotency key.
type Writer struct {
	Now func() time.Time
}

// Key derives the stored idempotency key for one step of a request.
func Key(action domain.Action, scope, requestKey string) string {
	sum := sha256.Sum256([]byte(string(action) + "\x00" + scope + "\x00" + requestKey))
	return hex.EncodeToString(sum[:])
}

// Append writes the draft inside tx unless an event with the same
// idempotency key exists, in which case the existing reference is returned
// with Idempotent set.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, d domain.Draft) (domain.EventRef, error) {
	if err := validateDraft(d); err != nil {
		return domain.EventRef{}, err
	}
	existing, err := Lookup(ctx, tx, d.IdempotencyKey)
	if err == nil {
		existing.Idempotent = true
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.EventRef{}, err
	}
	attrs, err := json.Marshal(d.Payload)
	if err != nil {
		return domain.EventRef{}, fmt.Errorf("marshal %s attributes: %w", d.Action(), err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.EventRef{}, err
	}
	occurredAt, err := w.nextOccurredAt(ctx, tx)
	if err != nil {
		return domain.EventRef{}, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(event_id,action,occurred_at,actor_id,entity_type,entity_id,attributes_json,idempotency_key,expected_version,schema_version)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		id.String(), string(d.Action()), domain.FormatTime(occurredAt), d.ActorID, d.EntityType, d.EntityID,
		string(attrs), d.IdempotencyKey, nullable(d.ExpectedVersion), domain.SchemaVersion)
	if err != nil {
		if db.UniqueViolationOn(err, "events.expected_version") {
			return domain.EventRef{}, fmt.Errorf("%w: entity %s version %s", ErrVersionTaken, d.EntityID, d.ExpectedVersion)
		}
		return domain.EventRef{}, fmt.Errorf("append %s: %w", d.Action(), err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.EventRef{}, err
	}
	return domain.EventRef{
		Seq:            seq,
		EventID:        id.String(),
		Action:         d.Action(),
		EntityID:       d.EntityID,
		IdempotencyKey: d.IdempotencyKey,
		OccurredAt:     occurredAt,
	}, nil
}

// nextOccurredAt keeps occurred_at strictly increasing across the log even
// when the clock stalls or steps backwards.
func (w Writer) nextOccurredAt(ctx context.Context, q db.Querier) (time.Time, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Truncate(time.Microsecond)
	var last sql.NullString
	if err := q.QueryRowContext(ctx, `SELECT MAX(occurred_at) FROM events`).Scan(&last); err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return ts, nil
	}
	prev, err := domain.ParseTime(last.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last occurred_at: %w", err)
	}
	if ts.After(prev) {
		return ts, nil
	}
	return prev.Add(time.Microsecond), nil
}

func validateDraft(d domain.Draft) error {
	switch {
	case d.Payload == nil:
		return fmt.Errorf("%w: payload is required", ErrInvalidDraft)
	case strings.TrimSpace(d.ActorID) == "":
		return fmt.Errorf("%w: actor_id is required", ErrInvalidDraft)
	case strings.TrimSpace(d.EntityType) == "" || strings.TrimSpace(d.EntityID) == "":
		return fmt.Errorf("%w: entity reference is required", ErrInvalidDraft)
	case strings.TrimSpace(d.IdempotencyKey) == "":
		return fmt.Errorf("%w: idempotency_key is required", ErrInvalidDraft)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
