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

	"qmsline/internal/config"
	"qmsline/internal/db"
	"qmsline/internal/domain"
	"qmsline/internal/migrate"
	"qmsline/internal/workflow"
)

type testServer struct {
	URL    string
	Engine workflow.Engine
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
	e, err := workflow.New(conn, config.Default("qms-test"))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := context.Background()
	seed := []domain.Actor{
		{ID: "admin-1", FullName: "Ada Admin", Role: domain.RoleAdmin},
		{ID: "rev-1", FullName: "Rita Reviewer", Role: domain.RoleReviewer},
		{ID: "app-1", FullName: "Axel Approver", Role: domain.RoleApprover},
		{ID: "emp-1", FullName: "Eli Employee", Role: domain.RoleEmployee},
	}
	for _, a := range seed {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.InsertActor(ctx, a); err != nil {
			t.Fatalf("seed actor: %v", err)
		}
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
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

func doJSON(t *testing.T, client *http.Client, method, url string, body any, actorID string) (*http.Response, []byte) {
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
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
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

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"title": "SOP-1",
	}, "admin-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var doc domain.Instance
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	if doc.State != domain.DocumentDraft || doc.Version != "1.0" {
		t.Fatalf("unexpected draft: %+v", doc)
	}

	transition := func(edge, actor string, payload map[string]any) (*http.Response, []byte) {
		return doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/transitions/"+edge, payload, actor)
	}

	res, data = transition("submit_for_review", "admin-1", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = transition("assign_approver", "rev-1", map[string]any{"assignee_id": "app-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	res, data = transition("approver_decision", "app-1", map[string]any{"decision": "approve"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.State != domain.DocumentApproved || doc.Version != "1.2" {
		t.Fatalf("unexpected final: state=%s version=%s", doc.State, doc.Version)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents/"+doc.ID+"/history", nil, "admin-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var entries []domain.HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(entries))
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{"title": "doc"}, "admin-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var doc domain.Instance
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name       string
		path       string
		actor      string
		payload    map[string]any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing instance",
			path:       "/v0/documents/missing/transitions/submit_for_review",
			actor:      "admin-1",
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name:       "unknown edge",
			path:       "/v0/documents/" + doc.ID + "/transitions/teleport",
			actor:      "admin-1",
			wantStatus: http.StatusBadRequest,
			wantCode:   "unknown_edge",
		},
		{
			name:       "forbidden actor",
			path:       "/v0/documents/" + doc.ID + "/transitions/submit_for_review",
			actor:      "emp-1",
			wantStatus: http.StatusForbidden,
			wantCode:   "forbidden",
		},
		{
			name:       "invalid state",
			path:       "/v0/documents/" + doc.ID + "/transitions/approver_decision",
			actor:      "admin-1",
			payload:    map[string]any{"decision": "approve"},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "invalid_state",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := tc.payload
			if payload == nil {
				payload = map[string]any{}
			}
			res, data := doJSON(t, client, http.MethodPost, srv.URL+tc.path, payload, tc.actor)
			if res.StatusCode != tc.wantStatus {
				t.Fatalf("status %d, want %d: %s", res.StatusCode, tc.wantStatus, string(data))
			}
			if code := errorCode(t, data); code != tc.wantCode {
				t.Fatalf("code %q, want %q", code, tc.wantCode)
			}
		})
	}

	// assign_approver with a non-approver assignee is a precondition failure
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/transitions/submit_for_review", map[string]any{}, "admin-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/transitions/assign_approver", map[string]any{"assignee_id": "emp-1"}, "admin-1")
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "precondition_failed" {
		t.Fatalf("expected 422 precondition_failed, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d: %s", res.StatusCode, string(data))
	}
	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", res.StatusCode)
	}
}

func TestActorAdminGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actors", map[string]any{
		"full_name": "New Reviewer",
		"role":      "Reviewer",
	}, "emp-1")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actors", map[string]any{
		"full_name": "New Reviewer",
		"role":      "Reviewer",
	}, "admin-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for admin, got %d: %s", res.StatusCode, string(data))
	}
	var created domain.Actor
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Role != domain.RoleReviewer || created.ID == "" {
		t.Fatalf("unexpected actor: %+v", created)
	}
}

func TestNotificationsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	due := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/capas", map[string]any{
		"title":       "Late CAPA",
		"due_date":    due,
		"assignee_id": "emp-1",
	}, "admin-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create capa status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, "admin-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications status %d: %s", res.StatusCode, string(data))
	}
	var alerts []domain.Alert
	if err := json.Unmarshal(data, &alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Title != "Overdue" {
		t.Fatalf("expected one Overdue alert, got %+v", alerts)
	}
}
