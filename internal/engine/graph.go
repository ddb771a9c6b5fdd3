package engine

import (
	"context"
	"database/sql"
	"fmt"

	"workbridge/internal/domain"
	"workbridge/internal/events"
)

const defaultMaxDepth = 10

type DependencyOptions struct {
	WorkID          string
	DependsOnID     string
	Type            string
	ExpectedVersion string
	ActorID         string
	IdempotencyKey  string
}

// AddDependency records that WorkID depends on DependsOnID, refusing edges
// that would close a cycle.
func (e Engine) AddDependency(ctx context.Context, opts DependencyOptions) (domain.Result, error) {
	if err := requireField("idempotency_key", opts.IdempotencyKey); err != nil {
		return domain.Result{}, err
	}
	key := events.Key(domain.ActionDependencyAdded, opts.WorkID, opts.IdempotencyKey)
	return inTx(ctx, e, "add_dependency", opts.ActorID, opts.IdempotencyKey, func(tx *sql.Tx) (domain.Result, error) {
		if res, ok, err := e.replay(ctx, tx, key); ok || err != nil {
			return res, err
		}
		if err := requireFields("work_id", opts.WorkID, "depends_on_id", opts.DependsOnID, "actor_id", opts.ActorID); err != nil {
			return domain.Result{}, err
		}
		cfg := e.config()
		if opts.Type == "" {
			opts.Type = "blocks"
		}
		if !cfg.HasDependencyType(opts.Type) {
			return domain.Result{}, ValidationError{Field: "dependency_type", Reason: fmt.Sprintf("unknown dependency type %q", opts.Type)}
		}
		item, err := e.guard(ctx, tx, opts.WorkID, opts.ExpectedVersion)
		if err != nil {
			return domain.Result{}, err
		}
		if _, err := e.load(ctx, tx, opts.DependsOnID); err != nil {
			return domain.Result{}, err
		}
		if err := ensureNotTerminal(item); err != nil {
			return domain.Result{}, err
		}
		if err := e.ensureNoCycle(ctx, tx, opts.WorkID, opts.DependsOnID); err != nil {
			return domain.Result{}, err
		}
		ref, item, err := e.apply(ctx, tx, item, domain.Draft{
			ActorID:        opts.ActorID,
			IdempotencyKey: key,
			Payload:        domain.DependencyAdded{DependsOnID: opts.DependsOnID, DependencyType: opts.Type},
		})
		if err != nil {
			return domain.Result{}, err
		}
		return resultOf(item, ref), nil
	})
}

// ensureNoCycle walks depends_on edges breadth first from dependsOnID, up to
// the configured depth, and fails if workID is reachable.
func (e Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, workID, dependsOnID string) error {
	if workID == dependsOnID {
		return CycleError{WorkID: workID, DependsOnID: dependsOnID, Path: []string{workID, dependsOnID}}
	}
	maxDepth := e.config().Dependencies.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	parent := map[string]string{dependsOnID: ""}
	frontier := []string{dependsOnID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			targets, err := events.DependencyTargets(ctx, tx, id)
			if err != nil {
				return err
			}
			for _, t := range targets {
				if _, seen := parent[t]; seen {
					continue
				}
				parent[t] = id
				if t == workID {
					return CycleError{WorkID: workID, DependsOnID: dependsOnID, Path: cyclePath(parent, workID)}
				}
				next = append(next, t)
			}
		}
		frontier = next
	}
	return nil
}

// cyclePath renders the closing edge followed by the existing chain back to
// workID, e.g. C -> A -> B -> C.
func cyclePath(parent map[string]string, workID string) []string {
	var chain []string
	for id := workID; id != ""; id = parent[id] {
		chain = append([]string{id}, chain...)
	}
	return append([]string{workID}, chain...)
}
