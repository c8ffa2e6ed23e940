package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"domani/internal/auth"
)

// AdminDirectory is the admin-management slice of the store.
type AdminDirectory interface {
	ListAdmins(ctx context.Context) ([]auth.Admin, error)
	FindAdmin(ctx context.Context, adminID string) (*auth.Admin, error)
	SetAdminRole(ctx context.Context, adminID string, role auth.Role) error
	SetAdminPermissions(ctx context.Context, adminID string, grants []auth.Grant) error
	SetAdminActive(ctx context.Context, adminID string, active bool) error
	InvalidateAdminSessions(ctx context.Context, adminID string) (int64, error)
	FailedLoginReport(ctx context.Context, now time.Time) ([]auth.Admin, error)
}

func ListAdmins(dir AdminDirectory, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admins, err := dir.ListAdmins(r.Context())
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		out := make([]adminView, 0, len(admins))
		for i := range admins {
			out = append(out, viewAdmin(&admins[i]))
		}
		respondJSON(w, out)
	}
}

// UpdateAdminRole replaces an admin's role. The change applies to that
// admin's very next request because the gate re-reads the record.
func UpdateAdminRole(dir AdminDirectory, svc *auth.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			Role string `json:"role"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, r, "role required")
			return
		}
		role, err := auth.ParseRole(req.Role)
		if err != nil {
			badRequest(w, r, "unknown role")
			return
		}
		target, err := dir.FindAdmin(r.Context(), id)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if target.ID == auth.AdminID(r.Context()) && role != auth.Role(target.Role) {
			badRequest(w, r, "cannot change your own role")
			return
		}
		if err := dir.SetAdminRole(r.Context(), id, role); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := audit(r, svc, auth.AuditRoleChange, map[string]any{
			"target_admin_id": id,
			"from":            target.Role,
			"to":              role,
		}); err != nil {
			respondError(w, r, lg, err)
			return
		}
		target.Role = string(role)
		respondJSON(w, viewAdmin(target))
	}
}

type grantReq struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// UpdateAdminPermissions replaces an admin's explicit grants. Role defaults
// are unaffected.
func UpdateAdminPermissions(dir AdminDirectory, svc *auth.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			Permissions []grantReq `json:"permissions"`
		}
		if err := decodeJSON(w, r, &req); err != nil || req.Permissions == nil {
			badRequest(w, r, "permissions required")
			return
		}
		grants := make([]auth.Grant, 0, len(req.Permissions))
		for _, p := range req.Permissions {
			g := auth.NormalizeGrants([]auth.Grant{{Resource: auth.Resource(p.Resource), Action: auth.Action(p.Action)}})
			if len(g) == 0 {
				badRequest(w, r, "unknown permission "+p.Resource+":"+p.Action)
				return
			}
			grants = append(grants, g[0])
		}
		grants = auth.NormalizeGrants(grants)

		target, err := dir.FindAdmin(r.Context(), id)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		before := target.Access().Grants
		if err := dir.SetAdminPermissions(r.Context(), id, grants); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := audit(r, svc, auth.AuditPermissionChange, map[string]any{
			"target_admin_id": id,
			"from":            grantStrings(before),
			"to":              grantStrings(grants),
		}); err != nil {
			respondError(w, r, lg, err)
			return
		}
		updated, err := dir.FindAdmin(r.Context(), id)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		respondJSON(w, viewAdmin(updated))
	}
}

// DeactivateAdmin clears the active flag and revokes every live session of
// the target.
func DeactivateAdmin(dir AdminDirectory, svc *auth.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == auth.AdminID(r.Context()) {
			badRequest(w, r, "cannot deactivate yourself")
			return
		}
		target, err := dir.FindAdmin(r.Context(), id)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		caller, _ := auth.FromContext(r.Context())
		if auth.Role(target.Role).AtLeast(auth.RoleSuperAdmin) && !caller.Role.AtLeast(auth.RoleSuperAdmin) {
			respondError(w, r, lg, auth.ErrInsufficientRole)
			return
		}
		if err := dir.SetAdminActive(r.Context(), id, false); err != nil {
			respondError(w, r, lg, err)
			return
		}
		revoked, err := dir.InvalidateAdminSessions(r.Context(), id)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := audit(r, svc, auth.AuditUpdate, map[string]any{
			"resource":         string(auth.ResourceAdmins),
			"target_admin_id":  id,
			"is_active":        false,
			"revoked_sessions": revoked,
		}); err != nil {
			respondError(w, r, lg, err)
			return
		}
		respondJSON(w, map[string]any{"id": id, "is_active": false, "revoked_sessions": revoked})
	}
}

type failedLoginView struct {
	AdminID        string     `json:"admin_id"`
	Email          string     `json:"email"`
	FailedAttempts int        `json:"failed_attempts"`
	Locked         bool       `json:"locked"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastFailedAt   *time.Time `json:"last_failed_at,omitempty"`
}

// FailedLogins is the alerting view over the durable lockout counter.
func FailedLogins(dir AdminDirectory, svc *auth.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := svc.Now()
		admins, err := dir.FailedLoginReport(r.Context(), now)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		out := make([]failedLoginView, 0, len(admins))
		for i := range admins {
			a := &admins[i]
			out = append(out, failedLoginView{
				AdminID:        a.ID,
				Email:          a.Email,
				FailedAttempts: a.FailedAttempts,
				Locked:         a.LockedAt(now),
				LockedUntil:    a.LockedUntil,
				LastFailedAt:   a.LastFailedAt,
			})
		}
		respondJSON(w, out)
	}
}

func audit(r *http.Request, svc *auth.Service, action auth.AuditAction, details map[string]any) error {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		return errors.New("audit outside a gated route")
	}
	return svc.Audit(r.Context(), auth.AuditEvent{
		Action:  action,
		Status:  auth.StatusSuccess,
		AdminID: ac.AdminID,
		UserID:  ac.AuthUserID,
		Details: details,
		Meta:    auth.MetaFromRequest(r),
	})
}

func grantStrings(grants []auth.Grant) []string {
	out := make([]string, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.String())
	}
	return out
}
