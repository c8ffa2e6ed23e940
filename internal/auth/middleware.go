package auth

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"domani/internal/obs"
	"domani/internal/util"
)

// RouteOptions is the per-route gate configuration.
type RouteOptions struct {
	RequiredRole       Role
	RequiredPermission *Grant
	// SkipAuditLog turns off access auditing for high-volume read routes.
	// Deactivated-admin denials are audited regardless.
	SkipAuditLog bool
}

// Perm is shorthand for building a RequiredPermission.
func Perm(resource Resource, action Action) *Grant {
	return &Grant{Resource: resource, Action: action}
}

// Gate guards admin routes.
//
//	no token                          -> 401
//	invalid token                     -> 401
//	valid token, dead session         -> 401
//	live session, inactive admin      -> 403
//	active admin, policy denies       -> 403
//	active admin, policy allows       -> handler
//
// Gate failures never touch cookies; the client decides whether to refresh.
type Gate struct {
	svc *Service
	log *zap.SugaredLogger
}

func NewGate(svc *Service, lg *zap.SugaredLogger) *Gate {
	if lg == nil {
		lg = zap.NewNop().Sugar()
	}
	return &Gate{svc: svc, log: lg}
}

func (g *Gate) Require(opts RouteOptions) func(http.Handler) http.Handler {
	req := Requirement{Role: opts.RequiredRole, Permission: opts.RequiredPermission}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := MetaFromRequest(r)
			resolved, err := g.svc.Resolve(r.Context(), AccessToken(r), meta)
			// Token and session failures carry no identity and are not
			// audited; Resolve audits the inactive branch itself.
			if err != nil {
				if !opts.SkipAuditLog && errors.Is(err, ErrNotFound) {
					err = g.recordDenied(r, meta, "", "", err)
				}
				g.deny(w, r, err)
				return
			}

			admin := resolved.Admin
			access := admin.Access()
			if err := Authorize(access, req); err != nil {
				if !opts.SkipAuditLog {
					err = g.recordDenied(r, meta, admin.ID, admin.AuthUserID, err)
				}
				g.deny(w, r, err)
				return
			}

			if !opts.SkipAuditLog {
				if err := g.svc.Audit(r.Context(), AuditEvent{
					Action:  AuditAccess,
					Status:  StatusSuccess,
					AdminID: admin.ID,
					UserID:  admin.AuthUserID,
					Details: map[string]any{"session_id": resolved.Session.ID},
					Meta:    meta,
				}); err != nil {
					g.deny(w, r, err)
					return
				}
			}

			obs.GateDecision(http.StatusOK)
			ctx := WithAdmin(r.Context(), AdminContext{
				AdminID:     admin.ID,
				AuthUserID:  admin.AuthUserID,
				Email:       admin.Email,
				Role:        access.Role,
				Permissions: access.Grants,
				SessionID:   resolved.Session.ID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// recordDenied audits a denial and returns the error to answer with: cause,
// or the audit failure when the entry could not be written.
func (g *Gate) recordDenied(r *http.Request, meta RequestMeta, adminID, userID string, cause error) error {
	if err := g.svc.Audit(r.Context(), AuditEvent{
		Action:  AuditAccess,
		Status:  StatusFailure,
		AdminID: adminID,
		UserID:  userID,
		Details: map[string]any{"reason": cause.Error()},
		Meta:    meta,
	}); err != nil {
		return fmt.Errorf("audit gate denial: %w", err)
	}
	return cause
}

func (g *Gate) deny(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		g.log.Errorw("request gate failed", "path", r.URL.Path, "error", err)
	}
	obs.GateDecision(status)
	util.WriteError(w, r, status, ErrorCode(err), ErrorMessage(err))
}
