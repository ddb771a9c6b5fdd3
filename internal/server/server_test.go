package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"workbridge/internal/config"
	"workbridge/internal/db"
	"workbridge/internal/domain"
	"workbridge/internal/engine"
	"workbridge/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, cfg)
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t, config.Default("workbridge"))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowAgentHeader: true, EnableDevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(agent string) map[string]string {
	return map[string]string{"X-Agent-Id": agent}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func createWork(t *testing.T, srv *testServer, title, key string) domain.Result {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/work", map[string]any{
		"title":           title,
		"type":            "bug",
		"severity":        "high",
		"idempotency_key": key,
	}, as("pm"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create work status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Result
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return created
}

func TestHealthWithoutAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/work", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %s", env.Error.Code)
	}
}

func TestCreateClaimComplete(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createWork(t, srv, "Fix login bug", "k1")

	again := createWork(t, srv, "Fix login bug", "k1")
	if !again.Idempotent || again.WorkID != created.WorkID {
		t.Fatalf("expected idempotent create, got %+v", again)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/claims", map[string]any{
		"capabilities": []string{"login"},
	}, map[string]string{"X-Agent-Id": "A1", "Idempotency-Key": "A1-claim"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claim domain.Claim
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatal(err)
	}
	if claim.WorkID != created.WorkID || claim.Status != domain.StatusInProgress || claim.SkillScore != 3 {
		t.Fatalf("unexpected claim: %+v", claim)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work/"+created.WorkID+"/complete", map[string]any{
		"expected_version": claim.Version,
		"idempotency_key":  "k1-complete",
	}, as("B2"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected not assigned conflict, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != engine.CodeNotAssigned {
		t.Fatalf("unexpected code %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work/"+created.WorkID+"/complete", map[string]any{
		"expected_version": claim.Version,
		"idempotency_key":  "k1-complete",
	}, as("A1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var done domain.Result
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.StatusDone {
		t.Fatalf("expected done, got %s", done.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work/"+created.WorkID, nil, as("A1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get work status %d: %s", res.StatusCode, string(data))
	}
	var item domain.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatal(err)
	}
	if item.Status != domain.StatusDone || item.LastEventID != done.Version {
		t.Fatalf("unexpected item: %+v", item)
	}
}

func TestStaleVersionIsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createWork(t, srv, "Build dashboard", "k1")
	url := srv.URL + "/v0/work/" + created.WorkID + "/transition"

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{
		"status":           "ready",
		"expected_version": created.Version,
		"idempotency_key":  "t1",
	}, as("a1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{
		"status":           "backlog",
		"expected_version": created.Version,
		"idempotency_key":  "t2",
	}, as("a2"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != engine.CodeConflict || env.Error.Details["expected_version"] != created.Version {
		t.Fatalf("unexpected conflict envelope: %+v", env)
	}
}

func TestInvalidTransitionListsAllowed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createWork(t, srv, "Fix login bug", "k1")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/work/"+created.WorkID+"/transition", map[string]any{
		"status":           "done",
		"expected_version": created.Version,
		"idempotency_key":  "t1",
	}, as("a1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	allowed, _ := env.Error.Details["allowed"].([]any)
	if env.Error.Code != engine.CodeInvalidTransition || len(allowed) != 3 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestNoWorkAvailable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/claims", map[string]any{
		"idempotency_key": "c1",
	}, as("a1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != engine.CodeNoWork {
		t.Fatalf("unexpected code %s", env.Error.Code)
	}
}

func TestDevLoginTokenCarriesCapabilities(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createWork(t, srv, "Tidy docs", "k1")
	sqlWork := createWork(t, srv, "Fix SQL timeout", "k2")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"agent_id":     "analyst-1",
		"agent_type":   "analyst",
		"capabilities": []string{"sql"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("no token: %v %s", err, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/claims", map[string]any{
		"idempotency_key": "c1",
	}, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claim domain.Claim
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatal(err)
	}
	if claim.AgentID != "analyst-1" || claim.WorkID != sqlWork.WorkID {
		t.Fatalf("token capabilities not used: %+v", claim)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/work", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected bad token to be rejected, got %d", res.StatusCode)
	}
}

func TestConsistentReadAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createWork(t, srv, "Nightly load", "k1")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/work/"+created.WorkID+"/assign", map[string]any{
		"assignee_id":      "a1",
		"expected_version": currentVersion(t, srv, created.WorkID),
		"idempotency_key":  "assign-1",
	}, as("pm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/work/"+created.WorkID+"/estimate", map[string]any{
		"points":           5,
		"expected_version": currentVersion(t, srv, created.WorkID),
		"idempotency_key":  "estimate-1",
	}, as("a1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("estimate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/entities/"+created.WorkID+"/consistent", nil, as("a1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("consistent status %d: %s", res.StatusCode, string(data))
	}
	var view ConsistentResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatal(err)
	}
	if view.ConsistencyStatus != domain.ConsistencyPromoted || view.Item == nil || view.Item.Assignee() != "a1" {
		t.Fatalf("unexpected view: %+v", view)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=2&entity_id="+created.WorkID, nil, as("a1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor: %+v", page)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=2&entity_id="+created.WorkID+"&cursor="+page.NextCursor, nil, as("a1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatal(err)
	}
	if len(next.Items) != 1 || next.Items[0].Action != string(domain.ActionWorkCreated) || next.NextCursor != "" {
		t.Fatalf("unexpected second page: %+v", next)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projector/lag", nil, as("a1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lag status %d: %s", res.StatusCode, string(data))
	}
	var lag domain.LagStats
	if err := json.Unmarshal(data, &lag); err != nil {
		t.Fatal(err)
	}
	if lag.PendingCount != 0 || lag.CursorPending != 3 || lag.HeadSeq != 3 {
		t.Fatalf("unexpected lag: %+v", lag)
	}
}

func currentVersion(t *testing.T, srv *testServer, workID string) string {
	t.Helper()
	item, err := srv.Engine.GetWork(context.Background(), workID)
	if err != nil {
		t.Fatalf("get work: %v", err)
	}
	return item.LastEventID
}

func TestWebhookForwardsMatchingEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default("workbridge")
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"work.claimed"}, Secret: "s3cret"}}
	e := newTestEngine(t, cfg)
	ctx := context.Background()
	d := newWebhookDispatcher(e, nil)
	d.dispatchAll(ctx)

	if _, err := e.CreateWork(ctx, engine.CreateWorkOptions{Title: "Report", ActorID: "pm", IdempotencyKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	claim, err := e.ClaimNext(ctx, engine.ClaimOptions{AgentID: "a1", IdempotencyKey: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d", len(received))
	}
	if received[0].Action != string(domain.ActionWorkClaimed) || received[0].EventID != claim.ClaimEventID {
		t.Fatalf("unexpected delivery: %+v", received[0])
	}
	if headers[0].Get("X-Workbridge-Secret") != "s3cret" || headers[0].Get("X-Workbridge-Event") != "work.claimed" {
		t.Fatalf("missing delivery headers: %v", headers[0])
	}
}

func TestEventFilter(t *testing.T) {
	cases := []struct {
		filter []string
		action string
		want   bool
	}{
		{nil, "work.claimed", true},
		{[]string{" "}, "agent.conflict", true},
		{[]string{"work.claimed"}, "work.claimed", true},
		{[]string{"work.claimed"}, "work.assigned", false},
		{[]string{"work.*"}, "work.status_changed", true},
		{[]string{"work.*"}, "agent.conflict", false},
		{[]string{"agent.conflict", "*"}, "work.created", true},
	}
	for _, tc := range cases {
		if got := newEventFilter(tc.filter).match(tc.action); got != tc.want {
			t.Errorf("filter %v match(%q) = %v, want %v", tc.filter, tc.action, got, tc.want)
		}
	}
}
