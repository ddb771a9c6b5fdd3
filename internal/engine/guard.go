package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"workbridge/internal/domain"
	"workbridge/internal/events"
)

// guard loads the entity and compares its version with expected.
func (e Engine) guard(ctx context.Context, tx *sql.Tx, workID, expected string) (domain.WorkItem, error) {
	if strings.TrimSpace(expected) == "" {
		return domain.WorkItem{}, ValidationError{Field: "expected_version", Reason: "is required"}
	}
	item, err := e.load(ctx, tx, workID)
	if err != nil {
		return item, err
	}
	if item.LastEventID != expected {
		return item, ConflictError{EntityID: workID, Expected: expected, Actual: item.LastEventID}
	}
	return item, nil
}

// apply appends d as the successor of item's current version and returns the
// refreshed item. The draft's entity reference and expected version are
// taken from item.
func (e Engine) apply(ctx context.Context, tx *sql.Tx, item domain.WorkItem, d domain.Draft) (domain.EventRef, domain.WorkItem, error) {
	d.EntityType = domain.EntityWorkItem
	d.EntityID = item.WorkID
	d.ExpectedVersion = item.LastEventID
	ref, err := e.writer().Append(ctx, tx, d)
	if errors.Is(err, events.ErrVersionTaken) {
		return ref, item, ConflictError{EntityID: item.WorkID, Expected: item.LastEventID, Actual: "superseded"}
	}
	if err != nil {
		return ref, item, err
	}
	next, err := e.load(ctx, tx, item.WorkID)
	if err != nil {
		return ref, item, err
	}
	return ref, next, nil
}

// CheckAndApply appends d to the entity only if its current version equals
// expected. The new version is the id of the appended event.
func (e Engine) CheckAndApply(ctx context.Context, workID, expected string, d domain.Draft) (domain.EventRef, error) {
	if err := requireField("idempotency_key", d.IdempotencyKey); err != nil {
		return domain.EventRef{}, err
	}
	return inTx(ctx, e, "check_and_apply", d.ActorID, d.IdempotencyKey, func(tx *sql.Tx) (domain.EventRef, error) {
		if ref, err := events.Lookup(ctx, tx, d.IdempotencyKey); err == nil {
			ref.Idempotent = true
			return ref, nil
		} else if !errors.Is(err, events.ErrNotFound) {
			return domain.EventRef{}, err
		}
		item, err := e.guard(ctx, tx, workID, expected)
		if err != nil {
			return domain.EventRef{}, err
		}
		ref, _, err := e.apply(ctx, tx, item, d)
		return ref, err
	})
}
