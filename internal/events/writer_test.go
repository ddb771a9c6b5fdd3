package events_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"workbridge/internal/db"
	"workbridge/internal/domain"
	"workbridge/internal/events"
	"workbridge/internal/migrate"
)

func openTestDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn, ctx
}

func appendOne(t *testing.T, conn *sql.DB, w events.Writer, d domain.Draft) (domain.EventRef, error) {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	ref, err := w.Append(context.Background(), tx, d)
	if err != nil {
		return ref, err
	}
	return ref, tx.Commit()
}

func draft(entityID, key, expected string, payload domain.Payload) domain.Draft {
	return domain.Draft{
		ActorID:         "a1",
		EntityType:      domain.EntityWorkItem,
		EntityID:        entityID,
		IdempotencyKey:  key,
		ExpectedVersion: expected,
		Payload:         payload,
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	conn, ctx := openTestDB(t)
	w := events.Writer{}
	first, err := appendOne(t, conn, w, draft("w1", "k1", "", domain.WorkCreated{Title: "T", Status: domain.StatusNew}))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Idempotent || first.EventID == "" || first.Seq != 1 {
		t.Fatalf("unexpected first ref: %+v", first)
	}
	second, err := appendOne(t, conn, w, draft("w1", "k1", "", domain.WorkCreated{Title: "Other", Status: domain.StatusNew}))
	if err != nil {
		t.Fatalf("repeat append: %v", err)
	}
	if !second.Idempotent || second.EventID != first.EventID {
		t.Fatalf("expected the stored event back, got %+v", second)
	}
	head, err := events.Head(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	if head != 1 {
		t.Fatalf("expected one event, head is %d", head)
	}
	stored, err := events.ByID(ctx, conn, first.EventID)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := stored.Payload()
	if err != nil {
		t.Fatal(err)
	}
	if created, ok := payload.(domain.WorkCreated); !ok || created.Title != "T" {
		t.Fatalf("unexpected stored payload: %#v", payload)
	}
}

func TestAppendRejectsSecondSuccessor(t *testing.T) {
	conn, _ := openTestDB(t)
	w := events.Writer{}
	created, err := appendOne(t, conn, w, draft("w1", "k1", "", domain.WorkCreated{Title: "T", Status: domain.StatusNew}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := appendOne(t, conn, w, draft("w1", "k2", created.EventID, domain.WorkEstimated{Points: 3})); err != nil {
		t.Fatalf("first successor: %v", err)
	}
	_, err = appendOne(t, conn, w, draft("w1", "k3", created.EventID, domain.WorkEstimated{Points: 5}))
	if !errors.Is(err, events.ErrVersionTaken) {
		t.Fatalf("expected version taken, got %v", err)
	}
}

func TestAppendValidatesDraft(t *testing.T) {
	conn, _ := openTestDB(t)
	cases := map[string]domain.Draft{
		"no payload": {ActorID: "a", EntityType: domain.EntityWorkItem, EntityID: "w", IdempotencyKey: "k"},
		"no actor":   {EntityType: domain.EntityWorkItem, EntityID: "w", IdempotencyKey: "k", Payload: domain.WorkEstimated{}},
		"no entity":  {ActorID: "a", IdempotencyKey: "k", Payload: domain.WorkEstimated{}},
		"no key":     {ActorID: "a", EntityType: domain.EntityWorkItem, EntityID: "w", Payload: domain.WorkEstimated{}},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := appendOne(t, conn, events.Writer{}, d); !errors.Is(err, events.ErrInvalidDraft) {
				t.Fatalf("expected invalid draft, got %v", err)
			}
		})
	}
}

func TestOccurredAtStrictlyIncreases(t *testing.T) {
	conn, ctx := openTestDB(t)
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := events.Writer{Now: func() time.Time { return frozen }}
	for i, key := range []string{"k1", "k2", "k3"} {
		if _, err := appendOne(t, conn, w, draft("w1", key, "", domain.ErrorReported{AgentID: "a1", ErrorType: "timeout"})); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	back := events.Writer{Now: func() time.Time { return frozen.Add(-time.Hour) }}
	if _, err := appendOne(t, conn, back, draft("w1", "k4", "", domain.ErrorReported{AgentID: "a1", ErrorType: "timeout"})); err != nil {
		t.Fatal(err)
	}
	history, err := events.ForEntity(ctx, conn, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 events, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if !history[i].OccurredAt.After(history[i-1].OccurredAt) {
			t.Fatalf("event %d at %s does not follow %s", i, history[i].OccurredAt, history[i-1].OccurredAt)
		}
		if history[i].Seq <= history[i-1].Seq {
			t.Fatalf("seq order broken at %d", i)
		}
	}
}

func TestCountErrorsSkipsConflicts(t *testing.T) {
	conn, ctx := openTestDB(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	w := events.Writer{Now: func() time.Time { return now }}
	reports := []domain.ErrorReported{
		{AgentID: "a1", ErrorType: "timeout"},
		{AgentID: "a1", ErrorType: "conflict"},
		{AgentID: "a2", ErrorType: "timeout"},
		{AgentID: "a1", ErrorType: "auth"},
	}
	for i, r := range reports {
		if _, err := appendOne(t, conn, w, draft("w1", string(rune('a'+i)), "", r)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := events.CountErrors(ctx, conn, "w1", "a1", now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 countable errors for a1, got %d", n)
	}
	n, err = events.CountErrors(ctx, conn, "w1", "a1", now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected errors outside the window to be ignored, got %d", n)
	}
}

func TestKeyIsScoped(t *testing.T) {
	a := events.Key(domain.ActionStatusChanged, "w1", "k")
	if a != events.Key(domain.ActionStatusChanged, "w1", "k") {
		t.Fatalf("key is not deterministic")
	}
	if a == events.Key(domain.ActionStatusChanged, "w2", "k") {
		t.Fatalf("scope ignored")
	}
	if a == events.Key(domain.ActionWorkAssigned, "w1", "k") {
		t.Fatalf("action ignored")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}
