package engine

import (
	"context"
	"database/sql"
	"fmt"

	"workbridge/internal/domain"
	"workbridge/internal/events"
)

var transitions = map[domain.Status][]domain.Status{
	domain.StatusNew:        {domain.StatusBacklog, domain.StatusReady, domain.StatusCancelled},
	domain.StatusBacklog:    {domain.StatusReady, domain.StatusCancelled},
	domain.StatusReady:      {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress: {domain.StatusReview, domain.StatusDone, domain.StatusBlocked, domain.StatusCancelled},
	domain.StatusReview:     {domain.StatusInProgress, domain.StatusDone, domain.StatusCancelled},
	domain.StatusBlocked:    {domain.StatusReady, domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusDone:       {domain.StatusReview},
	domain.StatusCancelled:  {domain.StatusBacklog},
}

// AllowedTransitions returns the statuses reachable from one step.
func AllowedTransitions(from domain.Status) []domain.Status {
	out := make([]domain.Status, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ensureTransition(from, to domain.Status) error {
	if !CanTransition(from, to) {
		return InvalidTransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
	}
	return nil
}

// transitionPath is the shortest chain of allowed steps from one status to
// another, excluding from. It is nil when to is unreachable.
func transitionPath(from, to domain.Status) []domain.Status {
	if from == to {
		return []domain.Status{}
	}
	prev := map[domain.Status]domain.Status{from: from}
	queue := []domain.Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []domain.Status
				for s := to; s != from; s = prev[s] {
					path = append([]domain.Status{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

type TransitionOptions struct {
	WorkID          string
	To              domain.Status
	ExpectedVersion string
	Reason          string
	ActorID         string
	IdempotencyKey  string
}

// TransitionStatus moves a work item along the lifecycle.
func (e Engine) TransitionStatus(ctx context.Context, opts TransitionOptions) (domain.Result, error) {
	if err := requireField("idempotency_key", opts.IdempotencyKey); err != nil {
		return domain.Result{}, err
	}
	key := events.Key(domain.ActionStatusChanged, opts.WorkID, opts.IdempotencyKey)
	return inTx(ctx, e, "transition_status", opts.ActorID, opts.IdempotencyKey, func(tx *sql.Tx) (domain.Result, error) {
		if res, ok, err := e.replay(ctx, tx, key); ok || err != nil {
			return res, err
		}
		if err := requireFields("work_id", opts.WorkID, "actor_id", opts.ActorID); err != nil {
			return domain.Result{}, err
		}
		if !opts.To.Valid() {
			return domain.Result{}, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", opts.To)}
		}
		item, err := e.guard(ctx, tx, opts.WorkID, opts.ExpectedVersion)
		if err != nil {
			return domain.Result{}, err
		}
		ref, item, err := e.transitionTx(ctx, tx, item, opts.To, opts.ActorID, opts.Reason, key)
		if err != nil {
			return domain.Result{}, err
		}
		return resultOf(item, ref), nil
	})
}

// transitionTx validates one lifecycle step against item's current status and
// appends it as the successor of item's version.
func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, item domain.WorkItem, to domain.Status, actorID, reason, key string) (domain.EventRef, domain.WorkItem, error) {
	if err := ensureTransition(item.Status, to); err != nil {
		return domain.EventRef{}, item, err
	}
	return e.apply(ctx, tx, item, domain.Draft{
		ActorID:        actorID,
		IdempotencyKey: key,
		Payload:        domain.StatusChanged{From: item.Status, To: to, Reason: reason},
	})
}
