package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"powerline/internal/config"
	"powerline/internal/db"
	"powerline/internal/domain"
	"powerline/internal/engine"
	"powerline/internal/logging"
	"powerline/internal/metrics"
	"powerline/internal/migrate"
)

const testSecret = "test-secret"

type countingSender struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingSender) Send(_ context.Context, phone, message string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, phone+"|"+message)
	return true
}

func (c *countingSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type testServer struct {
	URL      string
	Engine   engine.Engine
	Sender   *countingSender
	Village  domain.Village
	Employee domain.User
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sender := &countingSender{}
	m := metrics.New()
	e := engine.New(conn, cfg,
		engine.WithNotifier(sender),
		engine.WithMetrics(m),
		engine.WithLogger(logging.Discard()),
	)
	ctx := context.Background()
	village, err := e.CreateVillage(ctx, engine.System, engine.VillageOptions{Name: "Rampur"})
	if err != nil {
		t.Fatalf("seed village: %v", err)
	}
	employee, err := e.CreateUser(ctx, engine.System, engine.UserOptions{
		Name: "Ops", Mobile: "9000000001", Password: "ops-pass", Role: "employee",
	})
	if err != nil {
		t.Fatalf("seed employee: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Metrics:  m,
		Logger:   logging.Discard(),
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
	ts := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Engine:   e,
		Sender:   sender,
		Village:  village,
		Employee: employee,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
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

func tokenHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Token " + token}
}

func login(t *testing.T, srv *testServer, mobile, password string) SessionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"mobile": mobile, "password": password,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var sess SessionResponse
	if err := json.Unmarshal(data, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return sess
}

func register(t *testing.T, srv *testServer, mobile, villageID string) SessionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"name": "Resident " + mobile, "mobile": mobile, "password": "res-pass", "village_id": villageID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var sess SessionResponse
	if err := json.Unmarshal(data, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return sess
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestOutageLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	resident := register(t, srv, "9000000002", srv.Village.ID)
	register(t, srv, "9000000003", srv.Village.ID)
	employee := login(t, srv, "9000000001", "ops-pass")

	// residents cannot report outages, even with a malformed body
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/outages", map[string]any{
		"village_id": srv.Village.ID, "duration_hours": "soon",
	}, tokenHeader(resident.Token))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected forbidden, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/outages", map[string]any{
		"village_id": srv.Village.ID, "reason": "transformer fault", "duration_hours": "3",
	}, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create outage status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Outage
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal outage: %v", err)
	}
	start, _ := time.Parse(time.RFC3339, created.StartTime)
	expected, _ := time.Parse(time.RFC3339, created.ExpectedReturn)
	if expected.Sub(start) != 3*time.Hour || created.IsResolved {
		t.Fatalf("unexpected outage %+v", created)
	}
	if n := srv.Sender.count(); n != 2 {
		t.Fatalf("expected 2 notifications, got %d", n)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/outages/active", nil, tokenHeader(resident.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list active status %d: %s", res.StatusCode, string(data))
	}
	var active []domain.Outage
	if err := json.Unmarshal(data, &active); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(active) != 1 || active[0].ID != created.ID {
		t.Fatalf("resident should see the outage, got %+v", active)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/outages/"+created.ID+"/resolve", nil, tokenHeader(resident.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("resident resolve should be forbidden, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/outages/"+created.ID+"/resolve", nil, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var resolved domain.Outage
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if !resolved.IsResolved || resolved.ResolvedTime == nil {
		t.Fatalf("expected resolved outage, got %+v", resolved)
	}
	if n := srv.Sender.count(); n != 4 {
		t.Fatalf("expected 4 notifications after resolve, got %d", n)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/outages/active", nil, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("expected empty active list, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/outages/missing/resolve", nil, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCreateOutageInputErrors(t *testing.T) {
	srv := newTestServer(t)
	employee := login(t, srv, "9000000001", "ops-pass")
	cases := []map[string]any{
		{"village_id": srv.Village.ID, "reason": "fault", "duration_hours": "three"},
		{"village_id": srv.Village.ID, "reason": "fault", "duration_hours": 1.5},
		{"village_id": srv.Village.ID, "reason": "fault", "duration_hours": -1},
		{"village_id": srv.Village.ID, "reason": "fault", "duration_hours": ""},
		{"village_id": srv.Village.ID, "reason": "fault", "duration_hours": "   "},
		{"village_id": srv.Village.ID, "reason": "fault", "duration_hours": nil},
		{"village_id": srv.Village.ID, "duration_hours": 2},
		{"reason": "fault"},
		{"village_id": "nope", "reason": "fault"},
	}
	for _, body := range cases {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/outages", body, tokenHeader(employee.Token))
		if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
			t.Fatalf("body %v: expected bad_request, got %d: %s", body, res.StatusCode, string(data))
		}
	}
	if n := srv.Sender.count(); n != 0 {
		t.Fatalf("invalid requests must not notify, got %d", n)
	}
}

func TestCreateOutageOmittedDurationUsesDefault(t *testing.T) {
	srv := newTestServer(t)
	employee := login(t, srv, "9000000001", "ops-pass")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/outages", map[string]any{
		"village_id": srv.Village.ID, "reason": "line maintenance",
	}, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create outage status %d: %s", res.StatusCode, string(data))
	}
	var o domain.Outage
	if err := json.Unmarshal(data, &o); err != nil {
		t.Fatalf("unmarshal outage: %v", err)
	}
	start, _ := time.Parse(time.RFC3339, o.StartTime)
	expected, _ := time.Parse(time.RFC3339, o.ExpectedReturn)
	if expected.Sub(start) != 2*time.Hour {
		t.Fatalf("expected default 2h window, got %s", expected.Sub(start))
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t)
	var wg sync.WaitGroup
	bodies := make([]string, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/api/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			b, _ := io.ReadAll(res.Body)
			bodies[i] = string(b)
		}(i)
	}
	wg.Wait()
	for i, b := range bodies {
		if b == "" || b != bodies[0] {
			t.Fatalf("response %d differs or is empty", i)
		}
	}
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/outages", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/outages", nil, tokenHeader("bogus"))
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"mobile": "9000000001", "password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password should be 401, got %d: %s", res.StatusCode, string(data))
	}

	jwtToken, err := SignToken(testSecret, srv.Employee.ID, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + jwtToken}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via jwt status %d: %s", res.StatusCode, string(data))
	}
	var me domain.User
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ID != srv.Employee.ID || me.Role != domain.RoleEmployee {
		t.Fatalf("unexpected me %+v", me)
	}
	forged, _ := SignToken("other-secret", srv.Employee.ID, time.Hour, time.Now())
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged jwt accepted: %d", res.StatusCode)
	}

	sess := login(t, srv, "9000000001", "ops-pass")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/logout", nil, tokenHeader(sess.Token))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil, tokenHeader(sess.Token))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token still accepted: %d", res.StatusCode)
	}
}

func TestRegistrationRules(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"name": "Boss", "mobile": "9111111111", "password": "x", "role": "employee",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("employee self-signup should be rejected, got %d: %s", res.StatusCode, string(data))
	}
	register(t, srv, "9222222222", "")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"name": "Dup", "mobile": "9222222222", "password": "x",
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("duplicate mobile should conflict, got %d: %s", res.StatusCode, string(data))
	}
}

func TestVillageAndUserRoutes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	employee := login(t, srv, "9000000001", "ops-pass")
	resident := register(t, srv, "9000000002", srv.Village.ID)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/villages", map[string]any{"name": "Kalyanpur", "district": "Hardoi"}, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create village status %d: %s", res.StatusCode, string(data))
	}
	var v domain.Village
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/villages/"+v.ID, map[string]any{"state": "UP"}, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"state":"UP"`) {
		t.Fatalf("patch village status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/villages", map[string]any{"name": "X"}, tokenHeader(resident.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("resident create village should be forbidden, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/villages", nil, tokenHeader(resident.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list villages status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/api/villages/"+v.ID, nil, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete village status %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/users?role=resident", nil, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list users status %d: %s", res.StatusCode, string(data))
	}
	var users []domain.User
	if err := json.Unmarshal(data, &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || strings.Contains(string(data), "password") {
		t.Fatalf("unexpected users payload: %s", string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/users", nil, tokenHeader(resident.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("resident list users should be forbidden, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/users/"+srv.Employee.ID, nil, tokenHeader(resident.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("resident reading another user should be forbidden, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/users", map[string]any{
		"name": "Lineman", "mobile": "9333333333", "password": "pw", "role": "employee", "is_staff": true,
	}, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/events?type=village.created", nil, tokenHeader(employee.Token))
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "Kalyanpur") {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/events", nil, tokenHeader(resident.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("resident events should be forbidden, got %d", res.StatusCode)
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "powerline_http_requests_total") {
		t.Fatalf("metrics status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("openapi json: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/api/outages", "/api/outages/active", "/api/outages/{id}/resolve", "/api/auth/login"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}
}
