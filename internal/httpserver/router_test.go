package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"domani/internal/auth"
	"domani/internal/store"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "s3cret-passphrase"
)

type testServer struct {
	handler http.Handler
	store   *store.Memory
	super   *auth.Admin
	editor  *auth.Admin
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	codec, err := auth.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	svc, err := auth.NewService(mem, codec, auth.NewRecorder(mem, nil))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ts := &testServer{store: mem}
	ts.super = mem.AddAdmin("root@example.com", hash, auth.RoleSuperAdmin)
	ts.editor = mem.AddAdmin("editor@example.com", hash, auth.RoleEditor)
	ts.handler = NewRouter(Deps{
		Service: svc,
		Store:   mem,
		Cookies: auth.Cookies{SecureMode: "never"},
	})
	return ts
}

func (ts *testServer) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) login(t *testing.T, email string) []*http.Cookie {
	t.Helper()
	rr := ts.do(http.MethodPost, "/auth/login", `{"email":"`+email+`","password":"`+testPassword+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, rr.Code, rr.Body.String())
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected access and refresh cookies, got %d", len(cookies))
	}
	return cookies
}

func cookieNamed(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func assertCleared(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	cookies := rr.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected both cookies cleared, got %d", len(cookies))
	}
	for _, c := range cookies {
		if c.MaxAge >= 0 || c.Value != "" {
			t.Fatalf("cookie %s not cleared: %+v", c.Name, c)
		}
	}
}

func TestLoginResponseShape(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodPost, "/auth/login", `{"email":"editor@example.com","password":"`+testPassword+`","rememberMe":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		User struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		} `json:"user"`
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.User.Email != "editor@example.com" || body.User.Role != "editor" || body.Session.ID == "" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "password") {
		t.Fatalf("response leaks password material")
	}
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	if rr := ts.do(http.MethodPost, "/auth/login", `{"email":`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/auth/login", `{"email":"","password":""}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty credentials, got %d", rr.Code)
	}
}

func TestLoginDoesNotRevealUnknownEmail(t *testing.T) {
	ts := newTestServer(t)
	unknown := ts.do(http.MethodPost, "/auth/login", `{"email":"a@b.com","password":"x"}`)
	wrong := ts.do(http.MethodPost, "/auth/login", `{"email":"editor@example.com","password":"x"}`)
	if unknown.Code != http.StatusUnauthorized || wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for both, got %d / %d", unknown.Code, wrong.Code)
	}
	var a, b map[string]string
	_ = json.Unmarshal(unknown.Body.Bytes(), &a)
	_ = json.Unmarshal(wrong.Body.Bytes(), &b)
	if a["error"] != b["error"] || a["message"] != b["message"] {
		t.Fatalf("error bodies differ: %v vs %v", a, b)
	}
}

func TestVerifyAndLogout(t *testing.T) {
	ts := newTestServer(t)
	cookies := ts.login(t, "editor@example.com")

	if rr := ts.do(http.MethodGet, "/auth/verify", "", cookies...); rr.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", rr.Code)
	}
	rr := ts.do(http.MethodPost, "/auth/logout", "", cookies...)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"success":true`) {
		t.Fatalf("logout: %d %s", rr.Code, rr.Body.String())
	}
	assertCleared(t, rr)

	rr = ts.do(http.MethodGet, "/auth/verify", "", cookies...)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("verify after logout: expected 401, got %d", rr.Code)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Fatalf("verify failures must leave cookies alone")
	}
}

func TestLogoutWithoutCookiesStillSucceeds(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodPost, "/auth/logout", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	assertCleared(t, rr)
}

func TestRefreshRotatesAndRejectsReplay(t *testing.T) {
	ts := newTestServer(t)
	cookies := ts.login(t, "editor@example.com")
	refresh := cookieNamed(cookies, auth.RefreshCookieName)

	rr := ts.do(http.MethodPost, "/auth/refresh", "", refresh)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	rotated := rr.Result().Cookies()
	if cookieNamed(rotated, auth.AccessCookieName) == nil || cookieNamed(rotated, auth.RefreshCookieName) == nil {
		t.Fatalf("refresh must set both cookies")
	}

	replay := ts.do(http.MethodPost, "/auth/refresh", "", refresh)
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", replay.Code)
	}
	assertCleared(t, replay)

	if rr := ts.do(http.MethodGet, "/auth/verify", "", rotated...); rr.Code != http.StatusOK {
		t.Fatalf("rotated session should verify, got %d", rr.Code)
	}
}

func TestRefreshWithoutCookieClearsCookies(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodPost, "/auth/refresh", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	assertCleared(t, rr)
}

func TestAdminRoutesEnforcePolicy(t *testing.T) {
	ts := newTestServer(t)
	editor := ts.login(t, "editor@example.com")
	super := ts.login(t, "root@example.com")

	if rr := ts.do(http.MethodGet, "/admin/users", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/admin/users", "", editor...); rr.Code != http.StatusForbidden {
		t.Fatalf("editor listing admins: expected 403, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/admin/users", "", super...); rr.Code != http.StatusOK {
		t.Fatalf("super admin listing admins: expected 200, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/admin/me", "", editor...); rr.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rr.Code)
	}
}

func TestRoleChangeAppliesImmediately(t *testing.T) {
	ts := newTestServer(t)
	editor := ts.login(t, "editor@example.com")
	super := ts.login(t, "root@example.com")

	rr := ts.do(http.MethodPatch, "/admin/users/"+ts.editor.ID+"/role", `{"role":"admin"}`, super...)
	if rr.Code != http.StatusOK {
		t.Fatalf("role change: %d %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodGet, "/admin/users", "", editor...); rr.Code != http.StatusOK {
		t.Fatalf("promoted admin should pass with the same token, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodPatch, "/admin/users/"+ts.editor.ID+"/role", `{"role":"owner"}`, super...); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown role: expected 400, got %d", rr.Code)
	}
	logs, _ := ts.store.ListAudit(context.Background(), auth.AuditQuery{Action: string(auth.AuditRoleChange)})
	if len(logs) != 1 {
		t.Fatalf("expected one role_change entry, got %d", len(logs))
	}
}

func TestPermissionGrantAppliesImmediately(t *testing.T) {
	ts := newTestServer(t)
	editor := ts.login(t, "editor@example.com")
	super := ts.login(t, "root@example.com")

	if rr := ts.do(http.MethodGet, "/admin/audit-log", "", editor...); rr.Code != http.StatusForbidden {
		t.Fatalf("editor reading audit log: expected 403, got %d", rr.Code)
	}
	body := `{"permissions":[{"resource":"audit_log","action":"read"}]}`
	if rr := ts.do(http.MethodPatch, "/admin/users/"+ts.editor.ID+"/permissions", body, super...); rr.Code != http.StatusOK {
		t.Fatalf("grant: %d %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodGet, "/admin/audit-log", "", editor...); rr.Code != http.StatusOK {
		t.Fatalf("granted editor: expected 200, got %d", rr.Code)
	}
	bad := `{"permissions":[{"resource":"audit_log","action":"fly"}]}`
	if rr := ts.do(http.MethodPatch, "/admin/users/"+ts.editor.ID+"/permissions", bad, super...); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: expected 400, got %d", rr.Code)
	}
}

func TestDeactivationRevokesAccess(t *testing.T) {
	ts := newTestServer(t)
	editor := ts.login(t, "editor@example.com")
	super := ts.login(t, "root@example.com")

	if rr := ts.do(http.MethodGet, "/admin/me", "", editor...); rr.Code != http.StatusOK {
		t.Fatalf("before deactivation: expected 200, got %d", rr.Code)
	}
	rr := ts.do(http.MethodPost, "/admin/users/"+ts.editor.ID+"/deactivate", "", super...)
	if rr.Code != http.StatusOK {
		t.Fatalf("deactivate: %d %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodGet, "/admin/me", "", editor...); rr.Code == http.StatusOK {
		t.Fatalf("deactivated admin must be refused")
	}
	if rr := ts.do(http.MethodPost, "/admin/users/"+ts.super.ID+"/deactivate", "", super...); rr.Code != http.StatusBadRequest {
		t.Fatalf("self-deactivation: expected 400, got %d", rr.Code)
	}
}

func TestFailedLoginsView(t *testing.T) {
	ts := newTestServer(t)
	super := ts.login(t, "root@example.com")
	ts.do(http.MethodPost, "/auth/login", `{"email":"editor@example.com","password":"wrong"}`)
	ts.do(http.MethodPost, "/auth/login", `{"email":"editor@example.com","password":"wrong"}`)

	rr := ts.do(http.MethodGet, "/admin/security/failed-logins", "", super...)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var rows []struct {
		Email          string `json:"email"`
		FailedAttempts int    `json:"failed_attempts"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].Email != "editor@example.com" || rows[0].FailedAttempts != 2 {
		t.Fatalf("unexpected report %s", rr.Body.String())
	}
}

func TestAuditExportCSV(t *testing.T) {
	ts := newTestServer(t)
	super := ts.login(t, "root@example.com")
	ts.do(http.MethodPost, "/auth/login", `{"email":"a@b.com","password":"x"}`)

	rr := ts.do(http.MethodGet, "/admin/audit-log/export?action=login_attempt", "", super...)
	if rr.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "id,created_at,action") || !strings.Contains(lines[1], "a@b.com") {
		t.Fatalf("unexpected csv:\n%s", rr.Body.String())
	}
	logs, _ := ts.store.ListAudit(context.Background(), auth.AuditQuery{Action: string(auth.AuditExport)})
	if len(logs) != 1 {
		t.Fatalf("export must be audited, got %d entries", len(logs))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	if rr := ts.do(http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	ts.do(http.MethodGet, "/healthz", "")
	rr := ts.do(http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Fatalf("metrics endpoint missing request counter")
	}
}
