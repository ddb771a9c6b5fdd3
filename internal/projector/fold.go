package projector

import (
	"fmt"

	"workbridge/internal/domain"
)

// Fold replays an entity's history in occurrence order. It reports false when
// the history holds no creation event, which means the entity is not a work item.
func Fold(history []domain.Event) (domain.WorkItem, bool, error) {
	var (
		item    domain.WorkItem
		created bool
	)
	for _, evt := range history {
		if evt.EntityType != domain.EntityWorkItem {
			continue
		}
		if !created && evt.Action != domain.ActionWorkCreated {
			continue
		}
		next, err := Apply(item, evt)
		if err != nil {
			return item, created, err
		}
		item = next
		created = true
	}
	return item, created, nil
}

// Apply folds one event into item. Later events overwrite the fields they carry.
func Apply(item domain.WorkItem, evt domain.Event) (domain.WorkItem, error) {
	payload, err := evt.Payload()
	if err != nil {
		return item, err
	}
	switch p := payload.(type) {
	case domain.WorkCreated:
		item = domain.WorkItem{
			WorkID:        evt.EntityID,
			DisplayID:     p.DisplayID,
			Title:         p.Title,
			Type:          p.Type,
			Severity:      p.Severity,
			Description:   p.Description,
			Status:        p.Status,
			Points:        p.Points,
			BusinessValue: p.BusinessValue,
			PriorityScore: p.PriorityScore,
			CreatedAt:     evt.OccurredAt,
		}
		if item.Status == "" {
			item.Status = domain.StatusNew
		}
	case domain.WorkClaimed:
		item.ClaimedBy = strPtr(p.AgentID)
	case domain.WorkAssigned:
		item.AssigneeID = strPtr(p.AssigneeID)
	case domain.StatusChanged:
		item.Status = p.To
	case domain.WorkEstimated:
		points := p.Points
		item.Points = &points
	case domain.DependencyAdded:
		item.DependsOn = addDependency(item.DependsOn, domain.Dependency{
			WorkID:         evt.EntityID,
			DependsOnID:    p.DependsOnID,
			DependencyType: p.DependencyType,
		})
	case domain.ErrorReported:
		// bumps the version only
	case domain.WorkReleased:
		item.AssigneeID = nil
		item.ClaimedBy = nil
		if p.To != "" {
			item.Status = p.To
		}
	case domain.Conflict:
		return item, fmt.Errorf("conflict event %s recorded against work item %s", evt.ID, evt.EntityID)
	}
	item.UpdatedAt = evt.OccurredAt
	item.LastEventID = evt.ID
	if evt.Seq > item.LastSeq {
		item.LastSeq = evt.Seq
	}
	return item, nil
}

func addDependency(deps []domain.Dependency, d domain.Dependency) []domain.Dependency {
	for i, existing := range deps {
		if existing.DependsOnID == d.DependsOnID {
			deps[i] = d
			return deps
		}
	}
	return append(deps, d)
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
