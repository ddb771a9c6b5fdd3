package engine

import (
	"context"
	"testing"

	"workbridge/internal/config"
	"workbridge/internal/db"
	"workbridge/internal/domain"
	"workbridge/internal/events"
	"workbridge/internal/migrate"
)

func TestConflictRecordPerClaimAttempt(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default("proj-1"))

	lost := ConflictError{EntityID: "w1", Expected: "v1", Actual: "v2"}
	e.recordConflict(ctx, "a1", "claim_next", "c1", 1, lost, "claim race lost")
	e.recordConflict(ctx, "a1", "claim_next", "c1", 2, lost, "claim race lost")
	// A retried request reproduces the same keys.
	e.recordConflict(ctx, "a1", "claim_next", "c1", 2, lost, "claim race lost")

	evts, err := e.TailEvents(ctx, events.TailFilter{EntityID: "a1", Action: domain.ActionAgentConflict})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected one record per lost attempt, got %d", len(evts))
	}
	seen := map[int]bool{}
	for _, evt := range evts {
		p, err := evt.Payload()
		if err != nil {
			t.Fatal(err)
		}
		seen[p.(domain.Conflict).Attempt] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("attempts not recorded: %v", seen)
	}
}
