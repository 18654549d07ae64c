package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"allo/internal/config"
	"allo/internal/db"
	"allo/internal/domain"
	"allo/internal/engine"
	"allo/internal/migrate"
)

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
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.JWTSecret = "server-test-secret"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v1"})
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

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, body []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(body))
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error body: %v (%s)", err, string(body))
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %q, got %q: %s", code, env.Error.Code, string(body))
	}
	return env
}

// operator registers and logs in through the API, returning auth headers.
func operator(t *testing.T, srv *testServer, groupID int64, email string) map[string]string {
	t.Helper()
	client := srv.Client()
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"email":       email,
		"password":    "secret1",
		"first_name":  "Op",
		"last_name":   "Erator",
		"bde_list_id": groupID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email":    email,
		"password": "secret1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(body))
	}
	var sess engine.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if sess.Token == "" || sess.User.Email != email {
		t.Fatalf("unexpected session: %s", string(body))
	}
	return map[string]string{"Authorization": "Bearer " + sess.Token}
}

func createGroup(t *testing.T, srv *testServer, name string) domain.BdeList {
	t.Helper()
	g, err := srv.Engine.CreateBdeList(context.Background(), name)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

func publishTask(t *testing.T, srv *testServer, auth map[string]string, slots int) domain.Task {
	t.Helper()
	client := srv.Client()
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/bde/tasks", map[string]any{
		"title": "Crêpes party",
		"theme": "FUN",
		"slots": slots,
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(body))
	}
	var task domain.Task
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.TaskDraft {
		t.Fatalf("expected draft, got %s", task.Status)
	}
	res, body = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/bde/tasks/%d/publish", srv.URL, task.ID), nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("unmarshal published task: %v", err)
	}
	return task
}

func claimBody(phone string) map[string]any {
	return map[string]any{
		"first_name": "Jane",
		"last_name":  "Doe",
		"phone":      phone,
		"building":   "i09",
		"room":       "12",
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestClaimFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	group := createGroup(t, srv, "Liste A")
	auth := operator(t, srv, group.ID, "owner@example.com")
	task := publishTask(t, srv, auth, 1)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/live", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("live status %d: %s", res.StatusCode, string(body))
	}
	var live []domain.TaskSummary
	if err := json.Unmarshal(body, &live); err != nil {
		t.Fatalf("unmarshal live: %v", err)
	}
	if len(live) != 1 || live[0].ID != task.ID || live[0].AvailableSlots != 1 {
		t.Fatalf("unexpected live listing: %s", string(body))
	}

	claimURL := fmt.Sprintf("%s/v1/tasks/%d/claim", srv.URL, task.ID)
	res, body = doJSON(t, client, http.MethodPost, claimURL, claimBody("06 00 00 00 01"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(body))
	}
	var won ClaimResponse
	if err := json.Unmarshal(body, &won); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if !won.Success || won.SlotID == 0 || won.Message == "" {
		t.Fatalf("unexpected claim response: %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, claimURL, claimBody("0600000001"), nil)
	expectError(t, res, body, http.StatusBadRequest, "duplicate_claim")

	res, body = doJSON(t, client, http.MethodPost, claimURL, claimBody("0600000002"), nil)
	env := expectError(t, res, body, http.StatusConflict, "lost")
	if env.Error.Message == "" {
		t.Fatalf("expected a message on lost claim")
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/0/claim", claimBody("0600000003"), nil)
	expectError(t, res, body, http.StatusNotFound, "not_found")

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/claims/lookup", map[string]any{"phone": "0600000001"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup status %d: %s", res.StatusCode, string(body))
	}
	var claims []domain.ClaimView
	if err := json.Unmarshal(body, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if len(claims) != 1 || claims[0].TaskID != task.ID || claims[0].TaskTitle != "Crêpes party" {
		t.Fatalf("unexpected lookup: %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/tasks/%d", srv.URL, task.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("public task status %d: %s", res.StatusCode, string(body))
	}
	if bytes.Contains(body, []byte("0600000001")) {
		t.Fatalf("public task leaks claimant phone: %s", string(body))
	}
}

func TestClaimValidationAndMissingTask(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	group := createGroup(t, srv, "Liste A")
	auth := operator(t, srv, group.ID, "owner@example.com")
	task := publishTask(t, srv, auth, 2)

	res, body := doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/claim", srv.URL, task.ID), map[string]any{
		"first_name": "Jane",
		"last_name":  "   ",
		"phone":      "0600000001",
		"building":   "i09",
		"room":       "12",
	}, nil)
	expectError(t, res, body, http.StatusBadRequest, "invalid_input")

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/9999/claim", claimBody("0600000001"), nil)
	expectError(t, res, body, http.StatusNotFound, "not_found")
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/bde/dashboard", nil, nil)
	expectError(t, res, body, http.StatusUnauthorized, "unauthorized")

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, body, http.StatusUnauthorized, "unauthorized")

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{"email": "ghost@example.com", "password": "whatever"}, nil)
	expectError(t, res, body, http.StatusUnauthorized, "unauthorized")
}

func TestCrossGroupIsForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	a := createGroup(t, srv, "Liste A")
	b := createGroup(t, srv, "Liste B")
	owner := operator(t, srv, a.ID, "owner@example.com")
	outsider := operator(t, srv, b.ID, "outsider@example.com")
	task := publishTask(t, srv, owner, 1)

	res, body := doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/bde/tasks/%d", srv.URL, task.ID), nil, outsider)
	expectError(t, res, body, http.StatusForbidden, "forbidden")

	res, body = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/bde/tasks/%d/close", srv.URL, task.ID), nil, outsider)
	expectError(t, res, body, http.StatusForbidden, "forbidden")

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(body))
	}
	var me MeResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Group.ID != a.ID || me.User.Email != "owner@example.com" {
		t.Fatalf("unexpected me: %s", string(body))
	}
}

func TestDeliveryAndUnclaim(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	group := createGroup(t, srv, "Liste A")
	auth := operator(t, srv, group.ID, "owner@example.com")
	task := publishTask(t, srv, auth, 1)

	res, body := doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/claim", srv.URL, task.ID), claimBody("0600000001"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(body))
	}
	var won ClaimResponse
	if err := json.Unmarshal(body, &won); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}

	statusURL := fmt.Sprintf("%s/v1/bde/slots/%d/status", srv.URL, won.SlotID)
	res, body = doJSON(t, client, http.MethodPut, statusURL, map[string]any{"status": "complete"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status update %d: %s", res.StatusCode, string(body))
	}
	var slot domain.Slot
	if err := json.Unmarshal(body, &slot); err != nil {
		t.Fatalf("unmarshal slot: %v", err)
	}
	if slot.DeliveryStatus != domain.DeliveryDelivered {
		t.Fatalf("expected DELIVERED, got %s", slot.DeliveryStatus)
	}

	res, body = doJSON(t, client, http.MethodPut, statusURL, map[string]any{"status": "lost-in-transit"}, auth)
	expectError(t, res, body, http.StatusBadRequest, "invalid_input")

	res, body = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v1/bde/slots/%d/claim", srv.URL, won.SlotID), nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unclaim status %d: %s", res.StatusCode, string(body))
	}
	var cleared domain.Slot
	if err := json.Unmarshal(body, &cleared); err != nil {
		t.Fatalf("unmarshal unclaimed slot: %v", err)
	}
	if cleared.Claimed() || cleared.ClaimedAt != nil || cleared.DeliveryStatus != domain.DeliveryTodo {
		t.Fatalf("expected a reset slot: %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodPut, statusURL, map[string]any{"status": "IN_PROGRESS"}, auth)
	expectError(t, res, body, http.StatusConflict, "conflict")

	res, body = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/claim", srv.URL, task.ID), claimBody("0600000002"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reclaim status %d: %s", res.StatusCode, string(body))
	}
}

func TestDeleteTaskOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	group := createGroup(t, srv, "Liste A")
	auth := operator(t, srv, group.ID, "owner@example.com")
	task := publishTask(t, srv, auth, 3)

	res, body := doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v1/bde/tasks/%d", srv.URL, task.ID), nil, auth)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/tasks/%d", srv.URL, task.ID), nil, nil)
	expectError(t, res, body, http.StatusNotFound, "not_found")
}

func TestOpenAPIMarksOperatorRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if len(doc.Paths["/v1/bde/dashboard"]["get"].Security) == 0 {
		t.Fatalf("expected bearer security on dashboard")
	}
	if len(doc.Paths["/v1/live"]["get"].Security) != 0 {
		t.Fatalf("public route should not require auth")
	}
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				errs[i] = fmt.Errorf("status %d", res.StatusCode)
				return
			}
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("fetch %d: %v", i, errs[i])
		}
		if len(bodies[i]) == 0 || !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("fetch %d returned a different document", i)
		}
	}
}
