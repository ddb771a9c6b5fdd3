package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"workbridge/internal/config"
	"workbridge/internal/domain"
	"workbridge/internal/events"
	"workbridge/internal/projector"
	"workbridge/internal/repo"
)

// SystemActor authors events the engine emits on its own behalf.
const SystemActor = "system"

// workNamespace names work items after the key of the request that created them.
var workNamespace = uuid.MustParse("6f1c8f0e-4a52-5d3b-9d0e-6b2f1f0c7a11")

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Projector projector.Projector
	Config    *config.Config
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	p := projector.Projector{DB: db, Repo: r}
	if cfg != nil {
		p.Interval = cfg.Projector.Interval
		p.BatchSize = cfg.Projector.BatchSize
	}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{},
		Projector: p,
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) projector() projector.Projector {
	p := e.Projector
	if p.DB == nil {
		p.DB = e.DB
		p.Repo = e.Repo
	}
	if p.Now == nil {
		p.Now = e.now
	}
	return p
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default("")
	}
	return e.Config
}

// inTx runs fn in one write transaction. A ConflictError returned by fn is
// recorded as an agent.conflict event after the rollback.
func inTx[T any](ctx context.Context, e Engine, op, actorID, requestKey string, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return zero, classify(op, err)
	}
	defer tx.Rollback()
	res, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		var conflict ConflictError
		if errors.As(err, &conflict) {
			e.recordConflict(ctx, actorID, op, requestKey, 0, conflict, "version mismatch")
		}
		return zero, classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return zero, classify(op, err)
	}
	return res, nil
}

// recordConflict appends the audit event for a rejected write. attempt is the
// claim attempt that lost, 0 outside claim_next; each attempt gets its own
// record. Failures are logged and otherwise ignored so the caller still sees
// the conflict.
func (e Engine) recordConflict(ctx context.Context, actorID, op, requestKey string, attempt int, c ConflictError, reason string) {
	if actorID == "" {
		actorID = SystemActor
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("engine: record conflict: %v", err)
		return
	}
	defer tx.Rollback()
	scope := strings.Join([]string{op, c.EntityID, c.Expected, c.Actual, strconv.Itoa(attempt)}, "|")
	_, err = e.writer().Append(ctx, tx, domain.Draft{
		ActorID:        actorID,
		EntityType:     domain.EntityAgent,
		EntityID:       actorID,
		IdempotencyKey: events.Key(domain.ActionAgentConflict, scope, requestKey),
		Payload: domain.Conflict{
			Operation: op,
			WorkID:    c.EntityID,
			Expected:  c.Expected,
			Actual:    c.Actual,
			Reason:    reason,
			Attempt:   attempt,
		},
	})
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		log.Printf("engine: record conflict on %s: %v", c.EntityID, err)
	}
}

// load refolds the entity inside tx so reads never trail the log.
func (e Engine) load(ctx context.Context, tx *sql.Tx, workID string) (domain.WorkItem, error) {
	item, err := e.projector().RefreshEntity(ctx, tx, workID)
	if errors.Is(err, repo.ErrNotFound) {
		return item, NotFoundError{Kind: "work", ID: workID}
	}
	return item, err
}

// replay returns the recorded result of a request whose primary event is
// stored under key. The state is the entity folded up to that event.
func (e Engine) replay(ctx context.Context, tx *sql.Tx, key string) (domain.Result, bool, error) {
	evt, err := events.ByKey(ctx, tx, key)
	if errors.Is(err, events.ErrNotFound) {
		return domain.Result{}, false, nil
	}
	if err != nil {
		return domain.Result{}, false, err
	}
	item, err := e.stateAt(ctx, tx, evt.EntityID, evt.ID)
	if err != nil {
		return domain.Result{}, false, err
	}
	res := resultOf(item, domain.EventRef{EventID: evt.ID, Action: evt.Action})
	res.Idempotent = true
	return res, true, nil
}

// stateAt folds an entity's history up to and including eventID.
func (e Engine) stateAt(ctx context.Context, tx *sql.Tx, entityID, eventID string) (domain.WorkItem, error) {
	history, err := events.ForEntity(ctx, tx, entityID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	for i, evt := range history {
		if evt.ID == eventID {
			history = history[:i+1]
			break
		}
	}
	item, _, err := projector.Fold(history)
	return item, err
}

func resultOf(item domain.WorkItem, ref domain.EventRef) domain.Result {
	return domain.Result{
		WorkID:     item.WorkID,
		DisplayID:  item.DisplayID,
		Action:     ref.Action,
		Status:     item.Status,
		AssigneeID: item.AssigneeID,
		EventID:    ref.EventID,
		Version:    item.LastEventID,
		Idempotent: ref.Idempotent,
	}
}

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}

func requireFields(kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if err := requireField(kv[i], kv[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func ensureNotTerminal(item domain.WorkItem) error {
	if item.Status.Terminal() {
		return AlreadyTerminalError{WorkID: item.WorkID, Status: item.Status}
	}
	return nil
}

// CreateWorkOptions are parameters for create_work.
type CreateWorkOptions struct {
	Title          string
	Type           string
	Severity       string
	Description    string
	BusinessValue  int
	Points         *int
	ActorID        string
	IdempotencyKey string
}

// WorkIDFor returns the work id a create request with key will produce.
func WorkIDFor(key string) string {
	return uuid.NewSHA1(workNamespace, []byte(key)).String()
}

func (e Engine) CreateWork(ctx context.Context, opts CreateWorkOptions) (domain.Result, error) {
	if err := requireField("idempotency_key", opts.IdempotencyKey); err != nil {
		return domain.Result{}, err
	}
	key := events.Key(domain.ActionWorkCreated, "", opts.IdempotencyKey)
	return inTx(ctx, e, "create_work", opts.ActorID, opts.IdempotencyKey, func(tx *sql.Tx) (domain.Result, error) {
		if res, ok, err := e.replay(ctx, tx, key); ok || err != nil {
			return res, err
		}
		cfg := e.config()
		if err := requireField("actor_id", opts.ActorID); err != nil {
			return domain.Result{}, err
		}
		title := strings.TrimSpace(opts.Title)
		if title == "" {
			return domain.Result{}, ValidationError{Field: "title", Reason: "is required"}
		}
		if opts.Type == "" {
			opts.Type = "feature"
		}
		if !cfg.HasType(opts.Type) {
			return domain.Result{}, ValidationError{Field: "type", Reason: fmt.Sprintf("unknown work type %q", opts.Type)}
		}
		if opts.Severity == "" {
			opts.Severity = "medium"
		}
		if !cfg.HasSeverity(opts.Severity) {
			return domain.Result{}, ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", opts.Severity)}
		}
		if opts.BusinessValue < 0 {
			return domain.Result{}, ValidationError{Field: "business_value", Reason: "must not be negative"}
		}
		if opts.Points != nil && *opts.Points < 0 {
			return domain.Result{}, ValidationError{Field: "points", Reason: "must not be negative"}
		}
		displayID, err := e.Repo.NextDisplayIDTx(ctx, tx)
		if err != nil {
			return domain.Result{}, err
		}
		workID := WorkIDFor(opts.IdempotencyKey)
		ref, err := e.writer().Append(ctx, tx, domain.Draft{
			ActorID:        opts.ActorID,
			EntityType:     domain.EntityWorkItem,
			EntityID:       workID,
			IdempotencyKey: key,
			Payload: domain.WorkCreated{
				DisplayID:     displayID,
				Title:         title,
				Type:          opts.Type,
				Severity:      opts.Severity,
				Description:   opts.Description,
				BusinessValue: opts.BusinessValue,
				PriorityScore: cfg.PriorityScore(opts.Severity),
				Points:        opts.Points,
				Status:        domain.StatusNew,
			},
		})
		if err != nil {
			return domain.Result{}, err
		}
		item, err := e.load(ctx, tx, workID)
		if err != nil {
			return domain.Result{}, err
		}
		return resultOf(item, ref), nil
	})
}

type AssignOptions struct {
	WorkID          string
	AssigneeID      string
	ExpectedVersion string
	ActorID         string
	IdempotencyKey  string
}

func (e Engine) Assign(ctx context.Context, opts AssignOptions) (domain.Result, error) {
	if err := requireField("idempotency_key", opts.IdempotencyKey); err != nil {
		return domain.Result{}, err
	}
	key := events.Key(domain.ActionWorkAssigned, opts.WorkID, opts.IdempotencyKey)
	return inTx(ctx, e, "assign", opts.ActorID, opts.IdempotencyKey, func(tx *sql.Tx) (domain.Result, error) {
		if res, ok, err := e.replay(ctx, tx, key); ok || err != nil {
			return res, err
		}
		if err := requireFields("work_id", opts.WorkID, "assignee_id", opts.AssigneeID, "actor_id", opts.ActorID); err != nil {
			return domain.Result{}, err
		}
		item, err := e.guard(ctx, tx, opts.WorkID, opts.ExpectedVersion)
		if err != nil {
			return domain.Result{}, err
		}
		if err := ensureNotTerminal(item); err != nil {
			return domain.Result{}, err
		}
		ref, item, err := e.apply(ctx, tx, item, domain.Draft{
			ActorID:        opts.ActorID,
			IdempotencyKey: key,
			Payload:        domain.WorkAssigned{AssigneeID: opts.AssigneeID, Previous: item.Assignee()},
		})
		if err != nil {
			return domain.Result{}, err
		}
		return resultOf(item, ref), nil
	})
}

type EstimateOptions struct {
	WorkID          string
	Points          int
	ExpectedVersion string
	ActorID         string
	IdempotencyKey  string
}

func (e Engine) Estimate(ctx context.Context, opts EstimateOptions) (domain.Result, error) {
	if err := requireField("idempotency_key", opts.IdempotencyKey); err != nil {
		return domain.Result{}, err
	}
	key := events.Key(domain.ActionWorkEstimated, opts.WorkID, opts.IdempotencyKey)
	return inTx(ctx, e, "estimate", opts.ActorID, opts.IdempotencyKey, func(tx *sql.Tx) (domain.Result, error) {
		if res, ok, err := e.replay(ctx, tx, key); ok || err != nil {
			return res, err
		}
		if err := requireFields("work_id", opts.WorkID, "actor_id", opts.ActorID); err != nil {
			return domain.Result{}, err
		}
		if opts.Points < 0 {
			return domain.Result{}, ValidationError{Field: "points", Reason: "must not be negative"}
		}
		item, err := e.guard(ctx, tx, opts.WorkID, opts.ExpectedVersion)
		if err != nil {
			return domain.Result{}, err
		}
		if err := ensureNotTerminal(item); err != nil {
			return domain.Result{}, err
		}
		ref, item, err := e.apply(ctx, tx, item, domain.Draft{
			ActorID:        opts.ActorID,
			IdempotencyKey: key,
			Payload:        domain.WorkEstimated{Points: opts.Points},
		})
		if err != nil {
			return domain.Result{}, err
		}
		return resultOf(item, ref), nil
	})
}

type CompleteOptions struct {
	WorkID          string
	AgentID         string
	ExpectedVersion string
	IdempotencyKey  string
}

// CompleteWork moves an item its assignee finished to done.
func (e Engine) CompleteWork(ctx context.Context, opts CompleteOptions) (domain.Result, error) {
	if err := requireField("idempotency_key", opts.IdempotencyKey); err != nil {
		return domain.Result{}, err
	}
	key := events.Key(domain.ActionStatusChanged, "complete:"+opts.WorkID, opts.IdempotencyKey)
	return inTx(ctx, e, "complete_work", opts.AgentID, opts.IdempotencyKey, func(tx *sql.Tx) (domain.Result, error) {
		if res, ok, err := e.replay(ctx, tx, key); ok || err != nil {
			return res, err
		}
		if err := requireFields("work_id", opts.WorkID, "agent_id", opts.AgentID); err != nil {
			return domain.Result{}, err
		}
		item, err := e.guard(ctx, tx, opts.WorkID, opts.ExpectedVersion)
		if err != nil {
			return domain.Result{}, err
		}
		if err := ensureNotTerminal(item); err != nil {
			return domain.Result{}, err
		}
		if item.Assignee() != opts.AgentID {
			return domain.Result{}, NotAssignedError{WorkID: item.WorkID, AgentID: opts.AgentID, AssigneeID: item.Assignee()}
		}
		ref, item, err := e.transitionTx(ctx, tx, item, domain.StatusDone, opts.AgentID, "completed", key)
		if err != nil {
			return domain.Result{}, err
		}
		return resultOf(item, ref), nil
	})
}

type ReleaseOptions struct {
	WorkID          string
	AgentID         string
	ExpectedVersion string
	Reason          string
	IdempotencyKey  string
}

// ReleaseWork undoes a claim: the assignee gives the item back to the pool.
func (e Engine) ReleaseWork(ctx context.Context, opts ReleaseOptions) (domain.Result, error) {
	if err := requireField("idempotency_key", opts.IdempotencyKey); err != nil {
		return domain.Result{}, err
	}
	key := events.Key(domain.ActionWorkReleased, opts.WorkID, opts.IdempotencyKey)
	return inTx(ctx, e, "release_work", opts.AgentID, opts.IdempotencyKey, func(tx *sql.Tx) (domain.Result, error) {
		if res, ok, err := e.replay(ctx, tx, key); ok || err != nil {
			return res, err
		}
		if err := requireFields("work_id", opts.WorkID, "agent_id", opts.AgentID); err != nil {
			return domain.Result{}, err
		}
		item, err := e.guard(ctx, tx, opts.WorkID, opts.ExpectedVersion)
		if err != nil {
			return domain.Result{}, err
		}
		if err := ensureNotTerminal(item); err != nil {
			return domain.Result{}, err
		}
		if item.Assignee() != opts.AgentID {
			return domain.Result{}, NotAssignedError{WorkID: item.WorkID, AgentID: opts.AgentID, AssigneeID: item.Assignee()}
		}
		to := item.Status
		if to == domain.StatusInProgress || to == domain.StatusBlocked {
			to = domain.StatusReady
		}
		ref, item, err := e.apply(ctx, tx, item, domain.Draft{
			ActorID:        opts.AgentID,
			IdempotencyKey: key,
			Payload:        domain.WorkReleased{AgentID: opts.AgentID, Reason: opts.Reason, From: item.Status, To: to},
		})
		if err != nil {
			return domain.Result{}, err
		}
		return resultOf(item, ref), nil
	})
}

// GetWork reads the projection.
func (e Engine) GetWork(ctx context.Context, workID string) (domain.WorkItem, error) {
	item, err := e.Repo.GetWorkItem(ctx, workID)
	if errors.Is(err, repo.ErrNotFound) {
		return item, NotFoundError{Kind: "work", ID: workID}
	}
	if err != nil {
		return item, classify("get_work", err)
	}
	return item, nil
}

func (e Engine) ListWork(ctx context.Context, f repo.WorkFilters) ([]domain.WorkItem, error) {
	items, err := e.Repo.ListWorkItems(ctx, f)
	if err != nil {
		return nil, classify("list_work", err)
	}
	return items, nil
}

// GetEntityConsistent merges the projection with not yet folded events.
func (e Engine) GetEntityConsistent(ctx context.Context, entityID string) (domain.ConsistentView, error) {
	view, err := e.projector().GetConsistent(ctx, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return view, NotFoundError{Kind: "entity", ID: entityID}
	}
	if err != nil {
		return view, classify("get_entity_consistent", err)
	}
	return view, nil
}

func (e Engine) Lag(ctx context.Context) (domain.LagStats, error) {
	stats, err := e.projector().Lag(ctx)
	if err != nil {
		return stats, classify("projection_lag", err)
	}
	return stats, nil
}

func (e Engine) TailEvents(ctx context.Context, f events.TailFilter) ([]domain.Event, error) {
	evts, err := events.Tail(ctx, e.DB, f)
	if err != nil {
		return nil, classify("tail_events", err)
	}
	return evts, nil
}
