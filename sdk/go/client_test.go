package workbridgesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"workbridge/internal/config"
	"workbridge/internal/db"
	"workbridge/internal/engine"
	"workbridge/internal/migrate"
	"workbridge/internal/server"
)

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine:   engine.New(conn, config.Default("sdk")),
		BasePath: "/v0",
		Auth:     server.AuthConfig{AllowAgentHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientFlow(t *testing.T) {
	srv := newAPI(t)
	ctx := context.Background()
	pm := New(srv.URL, "pm")
	agent := New(srv.URL+"/", "etl-1")
	agent.AgentType = "etl"
	agent.Capabilities = []string{"sql"}

	created, err := pm.CreateWork(ctx, "create-1", "Fix SQL timeout", "bug", "high", "nightly job")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != "new" || created.Version == "" {
		t.Fatalf("unexpected create result: %+v", created)
	}
	again, err := pm.CreateWork(ctx, "create-1", "Fix SQL timeout", "bug", "high", "nightly job")
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if !again.Idempotent || again.WorkID != created.WorkID {
		t.Fatalf("retry should replay: %+v", again)
	}

	claim, err := agent.ClaimNext(ctx, "claim-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.WorkID != created.WorkID || claim.AgentID != "etl-1" || claim.Status != "in_progress" {
		t.Fatalf("unexpected claim: %+v", claim)
	}

	done, err := agent.Complete(ctx, "done-1", claim.WorkID, claim.Version)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != "done" {
		t.Fatalf("status = %s, want done", done.Status)
	}

	view, err := pm.GetConsistent(ctx, created.WorkID)
	if err != nil {
		t.Fatalf("consistent: %v", err)
	}
	if view.Item == nil || view.Item.Status != "done" || view.Item.LastEventID != done.Version {
		t.Fatalf("unexpected view: %+v", view)
	}

	page, err := pm.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with a cursor: %+v", page)
	}
	if page.Items[0].Action != "work.status_changed" {
		t.Errorf("newest action = %s, want work.status_changed", page.Items[0].Action)
	}
}

func TestClientErrors(t *testing.T) {
	srv := newAPI(t)
	ctx := context.Background()
	c := New(srv.URL, "a1")

	_, err := c.ClaimNext(ctx, "claim-1")
	if !IsNoWork(err) {
		t.Fatalf("expected no_work_available, got %v", err)
	}

	created, err := c.CreateWork(ctx, "k1", "Report", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Estimate(ctx, "e1", created.WorkID, 3, created.Version); err != nil {
		t.Fatalf("estimate: %v", err)
	}
	_, err = c.Estimate(ctx, "e2", created.WorkID, 5, created.Version)
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", apiErr.StatusCode)
	}

	_, err = c.Transition(ctx, "t1", created.WorkID, "done", "stale", "")
	if ErrorCode(err) == "" {
		t.Fatalf("expected a coded error, got %v", err)
	}

	anon := New(srv.URL, "")
	if _, err := anon.Lag(ctx); err == nil {
		t.Fatal("expected unauthenticated request to fail")
	}
}
