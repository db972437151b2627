package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"trackerz/internal/config"
	"trackerz/internal/db"
	"trackerz/internal/domain"
	"trackerz/internal/engine"
	"trackerz/internal/migrate"
	"trackerz/internal/policy"
	"trackerz/internal/repo"
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

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pol, err := policy.Load(context.Background(), conn)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	e := engine.New(conn, pol, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			EnableDevTokens:        true,
		},
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
			conn.Close()
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

func actorHeader() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code %q", code)
	}
}

func TestDevTokenRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev-token", map[string]any{
		"actor_id": "ava",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev-token status %d: %s", res.StatusCode, string(data))
	}
	var tok DevTokenResponse
	if err := json.Unmarshal(data, &tok); err != nil || tok.Token == "" {
		t.Fatalf("bad token response: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title": "Bearer project",
	}, map[string]string{"Authorization": "Bearer " + tok.Token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created WorkItemResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	records, err := srv.Engine.History(context.Background(), domain.KindProject, created.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 1 || records[0].Actor != "ava" {
		t.Fatalf("expected creation record by ava, got %+v", records)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	rawKey := "tz_testkey"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "robot",
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title": "Robot project",
	}, map[string]string{"X-Api-Key": rawKey})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key status %d: %s", res.StatusCode, string(data))
	}
}

func TestWorkItemLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title":    "Atlas",
		"priority": "High",
	}, actorHeader())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project %d: %s", res.StatusCode, string(data))
	}
	var project WorkItemResponse
	_ = json.Unmarshal(data, &project)
	if project.Phase != "Open" || project.Priority != "High" {
		t.Fatalf("unexpected project: %+v", project)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/1/tasks", map[string]any{
		"title": "Survey",
	}, actorHeader())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task %d: %s", res.StatusCode, string(data))
	}
	var task WorkItemResponse
	_ = json.Unmarshal(data, &task)
	if task.ParentID == nil || *task.ParentID != project.ID {
		t.Fatalf("task parent: %+v", task)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/1", map[string]any{
		"phase": "In Progress",
		"note":  "kicking off",
	}, actorHeader())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch task %d: %s", res.StatusCode, string(data))
	}
	var updated WorkItemResponse
	_ = json.Unmarshal(data, &updated)
	if updated.Phase != "In Progress" {
		t.Fatalf("phase %q", updated.Phase)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/1/history", nil, actorHeader())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history %d: %s", res.StatusCode, string(data))
	}
	var history []ChangeResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 records, got %d", len(history))
	}
	if history[0].Reason != "phase_change" || history[0].Note != "kicking off" {
		t.Fatalf("newest record: %+v", history[0])
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/projects/1", nil, actorHeader())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/1", nil, actorHeader())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cascaded task still present %d: %s", res.StatusCode, string(data))
	}
}

func TestTransitionErrorCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title": "Edges",
	}, actorHeader())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create %d: %s", res.StatusCode, string(data))
	}

	cases := []struct {
		name  string
		phase string
		code  string
	}{
		{"self transition", "Open", "phase_unchanged"},
		{"no edge", "Resolved", "transition_not_allowed"},
	}
	for _, tc := range cases {
		res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/1", map[string]any{
			"phase": tc.phase,
		}, actorHeader())
		if res.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("%s: status %d, want 422: %s", tc.name, res.StatusCode, string(data))
		}
		if code := errorCode(t, data); code != tc.code {
			t.Fatalf("%s: code %q, want %q", tc.name, code, tc.code)
		}
	}

	for _, phase := range []string{"In Progress", "Resolved", "Closed"} {
		res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/1", map[string]any{
			"phase": phase,
		}, actorHeader())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("to %s: %d %s", phase, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/1", map[string]any{
		"phase": "Open",
	}, actorHeader())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("terminal: status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "terminal_phase" {
		t.Fatalf("terminal: code %q", code)
	}
}

func TestBadRequestCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title":    "Oops",
		"priority": "Sky-high",
	}, actorHeader())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown priority: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("code %q", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/99", nil, actorHeader())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing project: %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code %q", code)
	}
}

func TestPhasesEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/phases", nil, actorHeader())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("phases %d: %s", res.StatusCode, string(data))
	}
	var phases []PhaseResponse
	if err := json.Unmarshal(data, &phases); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(phases) != 5 {
		t.Fatalf("expected 5 phases, got %d", len(phases))
	}
	byName := map[string]PhaseResponse{}
	for _, p := range phases {
		byName[p.Name] = p
	}
	if !byName["Closed"].IsTerminal || len(byName["Closed"].AllowedTargets) != 0 {
		t.Fatalf("Closed: %+v", byName["Closed"])
	}
	if got := byName["In Progress"].AllowedTargets; len(got) != 2 {
		t.Fatalf("In Progress targets: %v", got)
	}
}
