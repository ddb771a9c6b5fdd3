package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"workbridge/internal/db"
	"workbridge/internal/domain"
)

// Repo reads the projection tables. Writes go through the projector.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workColumns = `work_id,display_id,title,type,severity,description,status,assignee_id,claimed_by,points,business_value,priority_score,created_at,updated_at,last_event_id,last_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var (
		w                    domain.WorkItem
		status               string
		description          sql.NullString
		assignee, claimed    sql.NullString
		points               sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&w.WorkID, &w.DisplayID, &w.Title, &w.Type, &w.Severity, &description, &status, &assignee, &claimed,
		&points, &w.BusinessValue, &w.PriorityScore, &createdAt, &updatedAt, &w.LastEventID, &w.LastSeq)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Status = domain.Status(status)
	if description.Valid {
		w.Description = description.String
	}
	if assignee.Valid {
		w.AssigneeID = &assignee.String
	}
	if claimed.Valid {
		w.ClaimedBy = &claimed.String
	}
	if points.Valid {
		p := int(points.Int64)
		w.Points = &p
	}
	if w.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return w, fmt.Errorf("work %s created_at: %w", w.WorkID, err)
	}
	if w.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return w, fmt.Errorf("work %s updated_at: %w", w.WorkID, err)
	}
	return w, nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return getWorkItem(ctx, r.DB, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return getWorkItem(ctx, tx, id)
}

func getWorkItem(ctx context.Context, q db.Querier, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(q.QueryRowContext(ctx, `SELECT `+workColumns+` FROM work_items WHERE work_id=?`, id))
	if err != nil {
		return w, err
	}
	deps, err := listDependencies(ctx, q, id)
	if err != nil {
		return w, err
	}
	w.DependsOn = deps
	return w, nil
}

// GetByDisplayID resolves the short numeric id shown to humans.
func (r Repo) GetByDisplayID(ctx context.Context, displayID int64) (domain.WorkItem, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT work_id FROM work_items WHERE display_id=?`, displayID).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.WorkItem{}, ErrNotFound
	}
	if err != nil {
		return domain.WorkItem{}, err
	}
	return r.GetWorkItem(ctx, id)
}

type WorkFilters struct {
	Status     domain.Status
	AssigneeID string
	Unassigned bool
	Limit      int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	} else if f.Unassigned {
		clauses = append(clauses, "assignee_id IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workColumns + ` FROM work_items ` + where + ` ORDER BY display_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryWorkItems(ctx, r.DB, query, args...)
}

// CandidatesTx returns unassigned items whose status is in statuses.
func (r Repo) CandidatesTx(ctx context.Context, tx *sql.Tx, statuses []domain.Status) ([]domain.WorkItem, error) {
	return candidates(ctx, tx, statuses)
}

func (r Repo) Candidates(ctx context.Context, statuses []domain.Status) ([]domain.WorkItem, error) {
	return candidates(ctx, r.DB, statuses)
}

func candidates(ctx context.Context, q db.Querier, statuses []domain.Status) ([]domain.WorkItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	query := `SELECT ` + workColumns + ` FROM work_items WHERE assignee_id IS NULL AND status IN (` + strings.Join(placeholders, ",") + `) ORDER BY created_at ASC, display_id ASC`
	return queryWorkItems(ctx, q, query, args...)
}

func queryWorkItems(ctx context.Context, q db.Querier, query string, args ...any) ([]domain.WorkItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) ListDependencies(ctx context.Context, workID string) ([]domain.Dependency, error) {
	return listDependencies(ctx, r.DB, workID)
}

func listDependencies(ctx context.Context, q db.Querier, workID string) ([]domain.Dependency, error) {
	rows, err := q.QueryContext(ctx, `SELECT work_id,depends_on_id,dependency_type FROM work_dependencies WHERE work_id=? ORDER BY depends_on_id`, workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		if err := rows.Scan(&d.WorkID, &d.DependsOnID, &d.DependencyType); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// NextDisplayIDTx returns the display id for the next created item.
func (r Repo) NextDisplayIDTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE action=?`, string(domain.ActionWorkCreated)).Scan(&n)
	return n + 1, err
}

func (r Repo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.Status(status)] = count
	}
	return res, rows.Err()
}
