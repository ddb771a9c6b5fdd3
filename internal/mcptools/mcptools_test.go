package mcptools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"workbridge/internal/config"
	"workbridge/internal/db"
	"workbridge/internal/domain"
	"workbridge/internal/engine"
	"workbridge/internal/migrate"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default("proj-1"))
}

func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func mustNotError(t *testing.T, r *mcp.CallToolResult, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if r.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(r))
	}
}

func mustBeToolError(t *testing.T, r *mcp.CallToolResult, err error, wantPrefix string) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if !r.IsError {
		t.Fatalf("expected tool error, got: %s", resultText(r))
	}
	if !strings.HasPrefix(resultText(r), wantPrefix) {
		t.Errorf("error = %q, want prefix %q", resultText(r), wantPrefix)
	}
}

func decode[T any](t *testing.T, r *mcp.CallToolResult) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(resultText(r)), &v); err != nil {
		t.Fatalf("decode result: %v (%s)", err, resultText(r))
	}
	return v
}

// ─── Definitions ─────────────────────────────────────────────────────────────

func TestToolDefinitions(t *testing.T) {
	e := newTestEngine(t)
	seen := map[string]bool{}
	for _, tl := range Tools(e, Agent{ID: "a1"}) {
		def := tl.Definition()
		if seen[def.Name] {
			t.Errorf("duplicate tool %q", def.Name)
		}
		seen[def.Name] = true
	}
	for _, name := range []string{
		"create_work", "claim_next", "assign", "transition_status", "estimate",
		"add_dependency", "complete_work", "handle_error", "release_work",
		"get_work", "list_work", "projection_lag", "tail_events",
	} {
		if !seen[name] {
			t.Errorf("missing tool %q", name)
		}
	}

	def := NewCompleteTool(e, Agent{}).Definition()
	for _, want := range []string{"work_id", "expected_version", "idempotency_key"} {
		found := false
		for _, r := range def.InputSchema.Required {
			if r == want {
				found = true
			}
		}
		if !found {
			t.Errorf("complete_work: %q should be required", want)
		}
	}
}

// ─── Flow ────────────────────────────────────────────────────────────────────

func TestClaimAndComplete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	agent := Agent{ID: "analyst-1", Type: "analyst", Capabilities: []string{"sql"}}

	res, err := NewCreateWorkTool(e, Agent{ID: "pm"}).Handle(ctx, makeReq(map[string]interface{}{
		"title":           "Fix SQL timeout",
		"severity":        "high",
		"points":          float64(3),
		"idempotency_key": "k1",
	}))
	mustNotError(t, res, err)
	created := decode[domain.Result](t, res)
	if created.Status != domain.StatusNew {
		t.Fatalf("status = %s, want new", created.Status)
	}

	res, err = NewClaimTool(e, agent).Handle(ctx, makeReq(map[string]interface{}{
		"idempotency_key": "c1",
	}))
	mustNotError(t, res, err)
	claim := decode[domain.Claim](t, res)
	if claim.WorkID != created.WorkID || claim.AgentID != "analyst-1" || claim.SkillScore != 3 {
		t.Fatalf("unexpected claim: %+v", claim)
	}

	res, err = NewCompleteTool(e, Agent{ID: "someone-else"}).Handle(ctx, makeReq(map[string]interface{}{
		"work_id":          created.WorkID,
		"expected_version": claim.Version,
		"idempotency_key":  "done-1",
	}))
	mustBeToolError(t, res, err, engine.CodeNotAssigned)

	res, err = NewCompleteTool(e, agent).Handle(ctx, makeReq(map[string]interface{}{
		"work_id":          created.WorkID,
		"expected_version": claim.Version,
		"idempotency_key":  "done-1",
	}))
	mustNotError(t, res, err)
	if done := decode[domain.Result](t, res); done.Status != domain.StatusDone {
		t.Fatalf("status = %s, want done", done.Status)
	}

	res, err = NewGetWorkTool(e).Handle(ctx, makeReq(map[string]interface{}{"work_id": created.WorkID}))
	mustNotError(t, res, err)
	view := decode[domain.ConsistentView](t, res)
	if view.Item == nil || view.Item.Status != domain.StatusDone || view.Item.Points == nil || *view.Item.Points != 3 {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestTransitionReportsAllowed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	created, err := e.CreateWork(ctx, engine.CreateWorkOptions{Title: "Docs", ActorID: "pm", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := NewTransitionTool(e, Agent{ID: "a1"}).Handle(ctx, makeReq(map[string]interface{}{
		"work_id":          created.WorkID,
		"status":           "done",
		"expected_version": created.Version,
		"idempotency_key":  "t1",
	}))
	mustBeToolError(t, res, err, engine.CodeInvalidTransition)
	if !strings.Contains(resultText(res), "backlog, ready, cancelled") {
		t.Errorf("error should list allowed targets: %s", resultText(res))
	}
}

func TestStaleVersionIsConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	created, err := e.CreateWork(ctx, engine.CreateWorkOptions{Title: "Report", ActorID: "pm", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	tool := NewEstimateTool(e, Agent{ID: "a1"})
	res, err := tool.Handle(ctx, makeReq(map[string]interface{}{
		"work_id": created.WorkID, "points": float64(2), "expected_version": created.Version, "idempotency_key": "e1",
	}))
	mustNotError(t, res, err)
	res, err = tool.Handle(ctx, makeReq(map[string]interface{}{
		"work_id": created.WorkID, "points": float64(5), "expected_version": created.Version, "idempotency_key": "e2",
	}))
	mustBeToolError(t, res, err, engine.CodeConflict)
}

func TestEstimateRequiresPoints(t *testing.T) {
	e := newTestEngine(t)
	res, err := NewEstimateTool(e, Agent{ID: "a1"}).Handle(context.Background(), makeReq(map[string]interface{}{
		"work_id": "x", "expected_version": "v", "idempotency_key": "e1",
	}))
	mustBeToolError(t, res, err, engine.CodeValidation)
}

func TestHandleErrorEscalates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	agent := Agent{ID: "a1"}
	if _, err := e.CreateWork(ctx, engine.CreateWorkOptions{Title: "Flaky job", ActorID: "pm", IdempotencyKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	claim, err := e.ClaimNext(ctx, engine.ClaimOptions{AgentID: agent.ID, IdempotencyKey: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	tool := NewErrorTool(e, agent)
	var last domain.ErrorOutcome
	for i, key := range []string{"err-1", "err-2", "err-3"} {
		res, err := tool.Handle(ctx, makeReq(map[string]interface{}{
			"work_id":         claim.WorkID,
			"error_type":      "timeout",
			"will_retry":      true,
			"idempotency_key": key,
		}))
		mustNotError(t, res, err)
		last = decode[domain.ErrorOutcome](t, res)
		if last.RetryCount != i+1 {
			t.Fatalf("retry_count = %d, want %d", last.RetryCount, i+1)
		}
	}
	if last.ShouldRetry || !last.MaxRetriesExceeded || !last.Blocked {
		t.Fatalf("expected escalation on third failure: %+v", last)
	}
}

func TestNoWorkAvailable(t *testing.T) {
	e := newTestEngine(t)
	res, err := NewClaimTool(e, Agent{ID: "a1"}).Handle(context.Background(), makeReq(map[string]interface{}{
		"capabilities":    []interface{}{"sql", "etl"},
		"idempotency_key": "c1",
	}))
	mustBeToolError(t, res, err, engine.CodeNoWork)
}

func TestListArg(t *testing.T) {
	cases := []struct {
		in   interface{}
		want []string
	}{
		{in: "sql, etl ,", want: []string{"sql", "etl"}},
		{in: []interface{}{"sql", " ", "etl"}, want: []string{"sql", "etl"}},
		{in: float64(3), want: nil},
	}
	for _, tc := range cases {
		got := listArg(makeReq(map[string]interface{}{"capabilities": tc.in}), "capabilities")
		if strings.Join(got, "|") != strings.Join(tc.want, "|") {
			t.Errorf("listArg(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestReadsAndEvents(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	created, err := e.CreateWork(ctx, engine.CreateWorkOptions{Title: "Dashboard", ActorID: "pm", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := NewListWorkTool(e).Handle(ctx, makeReq(map[string]interface{}{"unassigned": true}))
	mustNotError(t, res, err)
	if items := decode[[]domain.WorkItem](t, res); len(items) != 1 || items[0].WorkID != created.WorkID {
		t.Fatalf("unexpected list: %+v", items)
	}

	res, err = NewListWorkTool(e).Handle(ctx, makeReq(map[string]interface{}{"status": "shipping"}))
	mustBeToolError(t, res, err, engine.CodeValidation)

	res, err = NewEventsTool(e).Handle(ctx, makeReq(map[string]interface{}{"entity_id": created.WorkID}))
	mustNotError(t, res, err)
	if evts := decode[[]domain.Event](t, res); len(evts) != 1 || evts[0].Action != domain.ActionWorkCreated {
		t.Fatalf("unexpected events: %+v", evts)
	}

	res, err = NewLagTool(e).Handle(ctx, makeReq(nil))
	mustNotError(t, res, err)
	if lag := decode[domain.LagStats](t, res); lag.HeadSeq != 1 || lag.PendingCount != 0 || lag.CursorPending != 1 {
		t.Fatalf("unexpected lag: %+v", lag)
	}

	res, err = NewGetWorkTool(e).Handle(ctx, makeReq(map[string]interface{}{"work_id": "missing"}))
	mustBeToolError(t, res, err, engine.CodeNotFound)
}
