package projector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"workbridge/internal/db"
	"workbridge/internal/domain"
	"workbridge/internal/events"
	"workbridge/internal/repo"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 500
)

// Projector maintains the work_items and work_dependencies tables as a fold
// over the event log, tracking its progress in projector_state.
type Projector struct {
	DB        *sql.DB
	Repo      repo.Repo
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
	Logger    *log.Logger
}

func (p Projector) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p Projector) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Cursor returns the seq of the last event folded by CatchUp.
func (p Projector) Cursor(ctx context.Context) (int64, error) {
	return cursor(ctx, p.DB)
}

func cursor(ctx context.Context, q db.Querier) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT cursor_seq FROM projector_state WHERE id=1`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (p Projector) setCursor(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projector_state(id,cursor_seq,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET cursor_seq=excluded.cursor_seq, updated_at=excluded.updated_at`,
		seq, domain.FormatTime(p.now()))
	return err
}

// RefreshEntity refolds one entity from its full history inside tx and
// writes the result. It returns repo.ErrNotFound when the entity has no
// creation event.
func (p Projector) RefreshEntity(ctx context.Context, tx *sql.Tx, entityID string) (domain.WorkItem, error) {
	history, err := events.ForEntity(ctx, tx, entityID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	item, ok, err := Fold(history)
	if err != nil {
		return item, err
	}
	if !ok {
		return item, repo.ErrNotFound
	}
	if err := writeItem(ctx, tx, item); err != nil {
		return item, err
	}
	return item, nil
}

func writeItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(work_id,display_id,title,type,severity,description,status,assignee_id,claimed_by,points,business_value,priority_score,created_at,updated_at,last_event_id,last_seq)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(work_id) DO UPDATE SET
  display_id=excluded.display_id, title=excluded.title, type=excluded.type, severity=excluded.severity,
  description=excluded.description, status=excluded.status, assignee_id=excluded.assignee_id,
  claimed_by=excluded.claimed_by, points=excluded.points, business_value=excluded.business_value,
  priority_score=excluded.priority_score, created_at=excluded.created_at, updated_at=excluded.updated_at,
  last_event_id=excluded.last_event_id, last_seq=excluded.last_seq`,
		w.WorkID, w.DisplayID, w.Title, w.Type, w.Severity, nullable(w.Description), string(w.Status),
		nullablePtr(w.AssigneeID), nullablePtr(w.ClaimedBy), nullableInt(w.Points), w.BusinessValue, w.PriorityScore,
		domain.FormatTime(w.CreatedAt), domain.FormatTime(w.UpdatedAt), w.LastEventID, w.LastSeq)
	if err != nil {
		return fmt.Errorf("project work %s: %w", w.WorkID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM work_dependencies WHERE work_id=?`, w.WorkID); err != nil {
		return err
	}
	for _, d := range w.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT INTO work_dependencies(work_id,depends_on_id,dependency_type,event_id) VALUES (?,?,?,?)`,
			d.WorkID, d.DependsOnID, d.DependencyType, w.LastEventID); err != nil {
			return fmt.Errorf("project dependency %s -> %s: %w", d.WorkID, d.DependsOnID, err)
		}
	}
	return nil
}

// CatchUp folds every event appended after the cursor. Each batch refolds the
// touched entities and advances the cursor in one transaction.
func (p Projector) CatchUp(ctx context.Context) (int, error) {
	batch := p.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	total := 0
	for {
		n, err := p.catchUpBatch(ctx, batch)
		if err != nil {
			return total, err
		}
		total += n
		if n < batch {
			return total, nil
		}
	}
}

func (p Projector) catchUpBatch(ctx context.Context, batch int) (int, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cur, err := cursor(ctx, tx)
	if err != nil {
		return 0, err
	}
	pending, err := events.After(ctx, tx, cur, batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	touched := make(map[string]struct{})
	var order []string
	for _, evt := range pending {
		if evt.EntityType != domain.EntityWorkItem {
			continue
		}
		if _, ok := touched[evt.EntityID]; ok {
			continue
		}
		touched[evt.EntityID] = struct{}{}
		order = append(order, evt.EntityID)
	}
	for _, id := range order {
		if _, err := p.RefreshEntity(ctx, tx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return 0, err
		}
	}
	if err := p.setCursor(ctx, tx, pending[len(pending)-1].Seq); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Rebuild discards the projection and replays the whole log.
func (p Projector) Rebuild(ctx context.Context) (int, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, stmt := range []string{`DELETE FROM work_dependencies`, `DELETE FROM work_items`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, err
		}
	}
	if err := p.setCursor(ctx, tx, 0); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return p.CatchUp(ctx)
}

// Run catches up on every tick until ctx is cancelled.
func (p Projector) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := p.CatchUp(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logf("projector: catch up failed: %v", err)
		} else if n > 0 {
			p.logf("projector: folded %d events", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GetConsistent returns the projected item merged with any events for the
// entity that the projection has not folded yet.
func (p Projector) GetConsistent(ctx context.Context, entityID string) (domain.ConsistentView, error) {
	view := domain.ConsistentView{EntityID: entityID, ConsistencyStatus: domain.ConsistencyPromoted}
	projected, err := p.Repo.GetWorkItem(ctx, entityID)
	var after int64
	switch {
	case err == nil:
		view.ProjectedVersion = projected.LastEventID
		after = projected.LastSeq
	case errors.Is(err, repo.ErrNotFound):
	default:
		return view, err
	}
	pending, err := events.ForEntityAfter(ctx, p.DB, entityID, after)
	if err != nil {
		return view, err
	}
	seen := make(map[string]struct{}, len(pending))
	var merged []domain.Event
	for _, evt := range pending {
		if evt.EntityType != domain.EntityWorkItem {
			continue
		}
		if _, ok := seen[evt.ID]; ok {
			continue
		}
		if _, ok := seen[evt.IdempotencyKey]; ok {
			continue
		}
		seen[evt.ID] = struct{}{}
		seen[evt.IdempotencyKey] = struct{}{}
		merged = append(merged, evt)
	}
	if view.ProjectedVersion == "" && len(merged) == 0 {
		return view, repo.ErrNotFound
	}
	if len(merged) == 0 {
		view.Item = &projected
		return view, nil
	}
	view.ConsistencyStatus = domain.ConsistencyPending
	view.PendingEvents = merged
	item := projected
	created := view.ProjectedVersion != ""
	for _, evt := range merged {
		if !created && evt.Action != domain.ActionWorkCreated {
			continue
		}
		if item, err = Apply(item, evt); err != nil {
			return view, err
		}
		created = true
	}
	if created {
		view.Item = &item
	}
	return view, nil
}

// Lag reports the events no projected row reflects yet, and how far the
// catch-up cursor trails the head of the log.
func (p Projector) Lag(ctx context.Context) (domain.LagStats, error) {
	var stats domain.LagStats
	cur, err := p.Cursor(ctx)
	if err != nil {
		return stats, err
	}
	head, err := events.Head(ctx, p.DB)
	if err != nil {
		return stats, err
	}
	stats.CursorSeq = cur
	stats.HeadSeq = head
	if head > cur {
		stats.CursorPending = head - cur
	}
	rows, err := p.DB.QueryContext(ctx, `SELECT e.occurred_at FROM events e
LEFT JOIN work_items w ON w.work_id = e.entity_id
WHERE e.entity_type=? AND (w.work_id IS NULL OR e.seq > w.last_seq)
ORDER BY e.seq ASC`, domain.EntityWorkItem)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	now := p.now()
	var sum float64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return stats, err
		}
		ts, err := domain.ParseTime(raw)
		if err != nil {
			return stats, err
		}
		age := now.Sub(ts).Seconds()
		if age < 0 {
			age = 0
		}
		if age > stats.MaxAgeSeconds {
			stats.MaxAgeSeconds = age
		}
		sum += age
		stats.PendingCount++
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if stats.PendingCount > 0 {
		stats.AvgAgeSeconds = sum / float64(stats.PendingCount)
	}
	return stats, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
