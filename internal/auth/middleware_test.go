package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"domani/internal/auth"
)

func gated(h *harness, opts auth.RouteOptions) http.Handler {
	gate := auth.NewGate(h.svc, nil)
	return gate.Require(opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"admin_id": ac.AdminID, "role": ac.Role})
	}))
}

func call(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/thing", nil)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: auth.AccessCookieName, Value: token})
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestGateStateMachine(t *testing.T) {
	h := newHarness(t)
	issued, err := h.login(testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	handler := gated(h, auth.RouteOptions{RequiredRole: auth.RoleEditor})

	if rr := call(handler, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rr.Code)
	}
	if rr := call(handler, "junk"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rr.Code)
	}
	if rr := call(handler, issued.AccessToken); rr.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	_ = h.store.SetAdminActive(context.Background(), h.admin.ID, false)
	rr := call(handler, issued.AccessToken)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("deactivated admin: expected 403, got %d", rr.Code)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Fatalf("gate failures must not touch cookies")
	}

	_ = h.store.SetAdminActive(context.Background(), h.admin.ID, true)
	_ = h.store.InvalidateSession(context.Background(), issued.Session.ID)
	if rr := call(handler, issued.AccessToken); rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session: expected 401, got %d", rr.Code)
	}
}

func TestGateUsesCurrentRoleNotTokenSnapshot(t *testing.T) {
	h := newHarness(t)
	issued, _ := h.login(testPassword)
	editorRoute := gated(h, auth.RouteOptions{RequiredRole: auth.RoleEditor})

	if rr := call(editorRoute, issued.AccessToken); rr.Code != http.StatusOK {
		t.Fatalf("editor: expected 200, got %d", rr.Code)
	}
	_ = h.store.SetAdminRole(context.Background(), h.admin.ID, auth.RoleViewer)
	rr := call(editorRoute, issued.AccessToken)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("demoted to viewer: expected 403, got %d", rr.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["error"] != "forbidden" {
		t.Fatalf("expected uniform forbidden code, got %v", body)
	}
}

func TestGateExplicitPermission(t *testing.T) {
	h := newHarness(t)
	issued, _ := h.login(testPassword)
	deleteRoute := gated(h, auth.RouteOptions{RequiredPermission: auth.Perm(auth.ResourceWaitlist, auth.ActionDelete)})

	if rr := call(deleteRoute, issued.AccessToken); rr.Code != http.StatusForbidden {
		t.Fatalf("editor without grant: expected 403, got %d", rr.Code)
	}
	_ = h.store.SetAdminPermissions(context.Background(), h.admin.ID, []auth.Grant{{Resource: auth.ResourceWaitlist, Action: auth.ActionDelete}})
	if rr := call(deleteRoute, issued.AccessToken); rr.Code != http.StatusOK {
		t.Fatalf("editor with grant: expected 200, got %d", rr.Code)
	}
}

func TestGateAccessAudit(t *testing.T) {
	h := newHarness(t)
	issued, _ := h.login(testPassword)

	call(gated(h, auth.RouteOptions{}), issued.AccessToken)
	if got := len(h.auditEntries(t, auth.AuditAccess)); got != 1 {
		t.Fatalf("expected 1 access entry, got %d", got)
	}
	call(gated(h, auth.RouteOptions{SkipAuditLog: true}), issued.AccessToken)
	if got := len(h.auditEntries(t, auth.AuditAccess)); got != 1 {
		t.Fatalf("skipAuditLog route must not audit, got %d entries", got)
	}
	call(gated(h, auth.RouteOptions{RequiredRole: auth.RoleSuperAdmin}), issued.AccessToken)
	denied := 0
	for _, e := range h.auditEntries(t, auth.AuditAccess) {
		if e["_status"] == "failure" {
			denied++
		}
	}
	if denied != 1 {
		t.Fatalf("expected one audited denial, got %d", denied)
	}
}

func TestGateAuditsInactiveEvenWhenSkipped(t *testing.T) {
	h := newHarness(t)
	issued, _ := h.login(testPassword)
	_ = h.store.SetAdminActive(context.Background(), h.admin.ID, false)

	rr := call(gated(h, auth.RouteOptions{SkipAuditLog: true}), issued.AccessToken)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	entries := h.auditEntries(t, auth.AuditAccess)
	if len(entries) != 1 || entries[0]["reason"] != "inactive" {
		t.Fatalf("inactive access must be audited once, got %v", entries)
	}
}

func TestGateDoesNotAuditTokenFailures(t *testing.T) {
	h := newHarness(t)
	issued, _ := h.login(testPassword)
	handler := gated(h, auth.RouteOptions{})

	for i := 0; i < 3; i++ {
		if rr := call(handler, ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("no token: expected 401, got %d", rr.Code)
		}
		if rr := call(handler, "junk"); rr.Code != http.StatusUnauthorized {
			t.Fatalf("junk token: expected 401, got %d", rr.Code)
		}
	}
	_ = h.store.InvalidateSession(context.Background(), issued.Session.ID)
	if rr := call(handler, issued.AccessToken); rr.Code != http.StatusUnauthorized {
		t.Fatalf("dead session: expected 401, got %d", rr.Code)
	}
	if got := h.auditEntries(t, auth.AuditAccess); len(got) != 0 {
		t.Fatalf("token and session failures must not be audited, got %v", got)
	}
}

func TestGateDenialFailsClosedWhenAuditIsDown(t *testing.T) {
	h := newHarness(t)
	issued, _ := h.login(testPassword)
	h.audit.down.Store(true)

	rr := call(gated(h, auth.RouteOptions{RequiredRole: auth.RoleSuperAdmin}), issued.AccessToken)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the denial cannot be audited, got %d", rr.Code)
	}
	_ = h.store.SetAdminActive(context.Background(), h.admin.ID, false)
	rr = call(gated(h, auth.RouteOptions{SkipAuditLog: true}), issued.AccessToken)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the inactive denial cannot be audited, got %d", rr.Code)
	}
}
