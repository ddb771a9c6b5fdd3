package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"workbridge/internal/domain"
	"workbridge/internal/events"
)

const (
	defaultRetryWindow = time.Hour
	defaultMaxRetries  = 3

	// ConflictErrorType marks error reports that do not count against the
	// retry budget.
	ConflictErrorType = "conflict"
)

type ErrorOptions struct {
	WorkID         string
	AgentID        string
	ErrorType      string
	Message        string
	WillRetry      bool
	RetryAfter     int
	IdempotencyKey string
}

func (e Engine) retryPolicy() (time.Duration, int) {
	cfg := e.config()
	window, maxRetries := cfg.Retry.Window, cfg.Retry.MaxRetries
	if window <= 0 {
		window = defaultRetryWindow
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return window, maxRetries
}

// HandleError records an agent's failure on a work item and decides whether
// the agent should retry. When the budget is spent and the agent still holds
// the item, the item is blocked.
func (e Engine) HandleError(ctx context.Context, opts ErrorOptions) (domain.ErrorOutcome, error) {
	if err := requireField("idempotency_key", opts.IdempotencyKey); err != nil {
		return domain.ErrorOutcome{}, err
	}
	key := events.Key(domain.ActionErrorReported, opts.WorkID, opts.IdempotencyKey)
	blockKey := events.Key(domain.ActionStatusChanged, "auto-block:"+opts.WorkID, opts.IdempotencyKey)
	return inTx(ctx, e, "handle_error", opts.AgentID, opts.IdempotencyKey, func(tx *sql.Tx) (domain.ErrorOutcome, error) {
		if out, ok, err := e.replayError(ctx, tx, key, blockKey); ok || err != nil {
			return out, err
		}
		if err := requireFields("work_id", opts.WorkID, "agent_id", opts.AgentID, "error_type", opts.ErrorType); err != nil {
			return domain.ErrorOutcome{}, err
		}
		if opts.RetryAfter < 0 {
			return domain.ErrorOutcome{}, ValidationError{Field: "retry_after", Reason: "must not be negative"}
		}
		item, err := e.load(ctx, tx, opts.WorkID)
		if err != nil {
			return domain.ErrorOutcome{}, err
		}
		window, maxRetries := e.retryPolicy()
		prior, err := events.CountErrors(ctx, tx, opts.WorkID, opts.AgentID, e.now().Add(-window))
		if err != nil {
			return domain.ErrorOutcome{}, err
		}
		count := prior
		if opts.ErrorType != ConflictErrorType {
			count++
		}
		exceeded := count >= maxRetries
		report := domain.ErrorReported{
			AgentID:            opts.AgentID,
			ErrorType:          opts.ErrorType,
			Message:            opts.Message,
			WillRetry:          opts.WillRetry,
			RetryAfter:         opts.RetryAfter,
			RetryCount:         count,
			ShouldRetry:        opts.WillRetry && !exceeded,
			MaxRetriesExceeded: exceeded,
		}
		ref, item, err := e.apply(ctx, tx, item, domain.Draft{
			ActorID:        opts.AgentID,
			IdempotencyKey: key,
			Payload:        report,
		})
		if err != nil {
			return domain.ErrorOutcome{}, err
		}
		out := outcomeOf(item.WorkID, ref.EventID, report)
		out.Version = item.LastEventID
		if exceeded && item.Assignee() == opts.AgentID && CanTransition(item.Status, domain.StatusBlocked) {
			reason := fmt.Sprintf("retries exhausted for %s after %d errors: %s", opts.AgentID, count, opts.ErrorType)
			_, item, err = e.transitionTx(ctx, tx, item, domain.StatusBlocked, SystemActor, reason, blockKey)
			if err != nil {
				return domain.ErrorOutcome{}, err
			}
			out.Blocked = true
			out.Version = item.LastEventID
		}
		return out, nil
	})
}

func (e Engine) replayError(ctx context.Context, tx *sql.Tx, key, blockKey string) (domain.ErrorOutcome, bool, error) {
	evt, err := events.ByKey(ctx, tx, key)
	if errors.Is(err, events.ErrNotFound) {
		return domain.ErrorOutcome{}, false, nil
	}
	if err != nil {
		return domain.ErrorOutcome{}, false, err
	}
	payload, err := evt.Payload()
	if err != nil {
		return domain.ErrorOutcome{}, false, err
	}
	report, ok := payload.(domain.ErrorReported)
	if !ok {
		return domain.ErrorOutcome{}, false, fmt.Errorf("event %s is %s, not an error report", evt.ID, evt.Action)
	}
	out := outcomeOf(evt.EntityID, evt.ID, report)
	out.Version = evt.ID
	out.Idempotent = true
	block, err := events.ByKey(ctx, tx, blockKey)
	switch {
	case err == nil:
		out.Blocked = true
		out.Version = block.ID
	case !errors.Is(err, events.ErrNotFound):
		return domain.ErrorOutcome{}, false, err
	}
	return out, true, nil
}

func outcomeOf(workID, eventID string, r domain.ErrorReported) domain.ErrorOutcome {
	return domain.ErrorOutcome{
		WorkID:             workID,
		AgentID:            r.AgentID,
		EventID:            eventID,
		RetryCount:         r.RetryCount,
		ShouldRetry:        r.ShouldRetry,
		MaxRetriesExceeded: r.MaxRetriesExceeded,
		RetryAfter:         r.RetryAfter,
	}
}
