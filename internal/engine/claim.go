package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"

	"workbridge/internal/domain"
	"workbridge/internal/events"
)

const (
	defaultClaimAttempts  = 3
	defaultCandidateLimit = 5
)

type ClaimOptions struct {
	AgentID        string
	AgentType      string
	Capabilities   []string
	MaxAttempts    int
	IdempotencyKey string
}

// claimKeys are the idempotency keys of every event one claim request may write.
type claimKeys struct {
	claim  string
	assign string
	start  map[domain.Status]string
}

func newClaimKeys(agentID, requestKey string) claimKeys {
	k := claimKeys{
		claim:  events.Key(domain.ActionWorkClaimed, agentID, requestKey),
		assign: events.Key(domain.ActionWorkAssigned, "claim:"+agentID, requestKey),
		start:  map[domain.Status]string{},
	}
	for _, s := range domain.Statuses {
		k.start[s] = events.Key(domain.ActionStatusChanged, "claim:"+agentID+":"+string(s), requestKey)
	}
	return k
}

func (k claimKeys) has(key string) bool {
	if key == k.claim || key == k.assign {
		return true
	}
	for _, v := range k.start {
		if v == key {
			return true
		}
	}
	return false
}

type candidate struct {
	item  domain.WorkItem
	score int
}

// SkillScore rates how well an agent's capabilities fit an item: 3 when a
// capability appears in the title, 2 when it appears in the description,
// otherwise 1.
func SkillScore(item domain.WorkItem, capabilities []string) int {
	title := strings.ToLower(item.Title)
	desc := strings.ToLower(item.Description)
	score := 1
	for _, c := range capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if strings.Contains(title, c) {
			return 3
		}
		if strings.Contains(desc, c) {
			score = 2
		}
	}
	return score
}

// rankCandidates orders by skill score, priority score and age, oldest first.
// Display id breaks the remaining ties.
func rankCandidates(items []domain.WorkItem, capabilities []string, limit int) []candidate {
	ranked := make([]candidate, 0, len(items))
	for _, it := range items {
		ranked = append(ranked, candidate{item: it, score: SkillScore(it, capabilities)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.item.PriorityScore != b.item.PriorityScore {
			return a.item.PriorityScore > b.item.PriorityScore
		}
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.Before(b.item.CreatedAt)
		}
		return a.item.DisplayID < b.item.DisplayID
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// ClaimNext reserves the best eligible work item for an agent. Each attempt
// selects candidates afresh; a candidate that changed since selection is
// skipped, and a version conflict while claiming ends the attempt.
func (e Engine) ClaimNext(ctx context.Context, opts ClaimOptions) (domain.Claim, error) {
	if err := requireFields("idempotency_key", opts.IdempotencyKey, "agent_id", opts.AgentID); err != nil {
		return domain.Claim{}, err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.config().Claim.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultClaimAttempts
	}
	keys := newClaimKeys(opts.AgentID, opts.IdempotencyKey)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		claim, stale, err := e.tryClaim(ctx, opts, keys, attempt)
		for _, c := range stale {
			e.recordConflict(ctx, opts.AgentID, "claim_next", opts.IdempotencyKey, attempt, c, "candidate changed before claim")
		}
		if err == nil {
			return claim, nil
		}
		var conflict ConflictError
		if errors.As(err, &conflict) {
			e.recordConflict(ctx, opts.AgentID, "claim_next", opts.IdempotencyKey, attempt, conflict, "claim race lost")
			continue
		}
		return domain.Claim{}, classify("claim_next", err)
	}
	return domain.Claim{}, MaxAttemptsExceededError{Attempts: maxAttempts}
}

// tryClaim runs one attempt in its own transaction. It returns the
// candidates that were discarded as stale along with the outcome.
func (e Engine) tryClaim(ctx context.Context, opts ClaimOptions, keys claimKeys, attempt int) (domain.Claim, []ConflictError, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, nil, err
	}
	defer tx.Rollback()

	if claim, ok, err := e.replayClaim(ctx, tx, keys); ok || err != nil {
		return claim, nil, err
	}
	cfg := e.config()
	statuses := cfg.EligibleStatuses()
	limit := cfg.Claim.CandidateLimit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	items, err := e.Repo.CandidatesTx(ctx, tx, statuses)
	if err != nil {
		return domain.Claim{}, nil, err
	}
	ranked := rankCandidates(items, opts.Capabilities, limit)
	if len(ranked) == 0 {
		return domain.Claim{}, nil, ErrNoWorkAvailable
	}
	var stale []ConflictError
	for _, c := range ranked {
		fresh, err := e.load(ctx, tx, c.item.WorkID)
		if err != nil {
			return domain.Claim{}, stale, err
		}
		if fresh.LastEventID != c.item.LastEventID || fresh.Assignee() != "" || !eligible(fresh.Status, statuses) {
			stale = append(stale, ConflictError{EntityID: fresh.WorkID, Expected: c.item.LastEventID, Actual: fresh.LastEventID})
			continue
		}
		claim, err := e.claimTx(ctx, tx, fresh, c.score, opts, keys, attempt)
		if err != nil {
			return domain.Claim{}, stale, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Claim{}, stale, err
		}
		return claim, stale, nil
	}
	// Every candidate was stale. Keep the refreshed rows so the next attempt
	// selects from the current state of the log.
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, stale, err
	}
	last := stale[len(stale)-1]
	return domain.Claim{}, stale[:len(stale)-1], last
}

func eligible(s domain.Status, statuses []domain.Status) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

// claimTx appends claim, assign and the optional start steps, each guarded
// by the version the previous step produced.
func (e Engine) claimTx(ctx context.Context, tx *sql.Tx, item domain.WorkItem, score int, opts ClaimOptions, keys claimKeys, attempt int) (domain.Claim, error) {
	claimRef, item, err := e.apply(ctx, tx, item, domain.Draft{
		ActorID:        opts.AgentID,
		IdempotencyKey: keys.claim,
		Payload: domain.WorkClaimed{
			AgentID:      opts.AgentID,
			AgentType:    opts.AgentType,
			Capabilities: opts.Capabilities,
			SkillScore:   score,
			Attempt:      attempt,
		},
	})
	if err != nil {
		return domain.Claim{}, err
	}
	_, item, err = e.apply(ctx, tx, item, domain.Draft{
		ActorID:        opts.AgentID,
		IdempotencyKey: keys.assign,
		Payload:        domain.WorkAssigned{AssigneeID: opts.AgentID},
	})
	if err != nil {
		return domain.Claim{}, err
	}
	if e.config().StartOnClaim() {
		for _, step := range transitionPath(item.Status, domain.StatusInProgress) {
			_, item, err = e.transitionTx(ctx, tx, item, step, opts.AgentID, "claimed", keys.start[step])
			if err != nil {
				return domain.Claim{}, err
			}
		}
	}
	return domain.Claim{
		WorkID:       item.WorkID,
		DisplayID:    item.DisplayID,
		Title:        item.Title,
		AgentID:      opts.AgentID,
		Status:       item.Status,
		ClaimEventID: claimRef.EventID,
		Version:      item.LastEventID,
		SkillScore:   score,
		Attempts:     attempt,
	}, nil
}

// replayClaim rebuilds the claim recorded under keys, if any.
func (e Engine) replayClaim(ctx context.Context, tx *sql.Tx, keys claimKeys) (domain.Claim, bool, error) {
	evt, err := events.ByKey(ctx, tx, keys.claim)
	if errors.Is(err, events.ErrNotFound) {
		return domain.Claim{}, false, nil
	}
	if err != nil {
		return domain.Claim{}, false, err
	}
	payload, err := evt.Payload()
	if err != nil {
		return domain.Claim{}, false, err
	}
	claimed, _ := payload.(domain.WorkClaimed)
	history, err := events.ForEntity(ctx, tx, evt.EntityID)
	if err != nil {
		return domain.Claim{}, false, err
	}
	lastID := evt.ID
	for _, h := range history {
		if keys.has(h.IdempotencyKey) {
			lastID = h.ID
		}
	}
	item, err := e.stateAt(ctx, tx, evt.EntityID, lastID)
	if err != nil {
		return domain.Claim{}, false, err
	}
	return domain.Claim{
		WorkID:       item.WorkID,
		DisplayID:    item.DisplayID,
		Title:        item.Title,
		AgentID:      claimed.AgentID,
		Status:       item.Status,
		ClaimEventID: evt.ID,
		Version:      lastID,
		SkillScore:   claimed.SkillScore,
		Attempts:     claimed.Attempt,
		Idempotent:   true,
	}, true, nil
}
