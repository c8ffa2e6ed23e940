package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"domani/internal/auth"
)

type loginReq struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

type sessionResp struct {
	User    adminView   `json:"user"`
	Session sessionView `json:"session"`
}

func issuedResp(issued *auth.Issued) sessionResp {
	return sessionResp{
		User: viewAdmin(issued.Admin),
		Session: sessionView{
			ID:              issued.Session.ID,
			ExpiresAt:       issued.Session.ExpiresAt,
			AccessExpiresAt: issued.AccessExpiresAt,
		},
	}
}

// Login checks credentials and sets both session cookies. Malformed bodies
// are rejected before any credential work and are not audited.
func Login(svc *auth.Service, cookies auth.Cookies, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginReq
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, r, "email and password required")
			return
		}
		issued, err := svc.Login(r.Context(), auth.LoginInput{
			Email:      req.Email,
			Password:   req.Password,
			RememberMe: req.RememberMe,
			Meta:       auth.MetaFromRequest(r),
		})
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		cookies.Set(w, r, issued, svc.Now())
		respondJSON(w, issuedResp(issued))
	}
}

// Logout always answers 200 and clears cookies; server-side failures are
// only logged.
func Logout(svc *auth.Service, cookies auth.Cookies, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Logout(r.Context(), auth.AccessToken(r), auth.RefreshToken(r), auth.MetaFromRequest(r)); err != nil {
			lg.Errorw("logout failed", "error", err)
		}
		cookies.Clear(w, r)
		respondJSON(w, map[string]any{"success": true})
	}
}

// Refresh rotates the session named by the refresh cookie. Authentication and
// authorization failures clear both cookies.
func Refresh(svc *auth.Service, cookies auth.Cookies, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issued, err := svc.Refresh(r.Context(), auth.RefreshToken(r), auth.MetaFromRequest(r))
		if err != nil {
			switch auth.HTTPStatus(err) {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				cookies.Clear(w, r)
			}
			if errors.Is(err, auth.ErrReplayDetected) {
				lg.Warnw("refresh token replay", "ip", auth.MetaFromRequest(r).IP)
			}
			respondError(w, r, lg, err)
			return
		}
		cookies.Set(w, r, issued, svc.Now())
		respondJSON(w, issuedResp(issued))
	}
}

// Verify reports the caller's current admin record. Failures leave cookies
// untouched so the client can still refresh.
func Verify(svc *auth.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resolved, err := svc.Resolve(r.Context(), auth.AccessToken(r), auth.MetaFromRequest(r))
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		resp := sessionResp{
			User: viewAdmin(resolved.Admin),
			Session: sessionView{
				ID:        resolved.Session.ID,
				ExpiresAt: resolved.Session.ExpiresAt,
			},
		}
		if resolved.Claims.ExpiresAt != nil {
			resp.Session.AccessExpiresAt = resolved.Claims.ExpiresAt.Time
		}
		respondJSON(w, resp)
	}
}

// Me returns the gate's view of the caller.
func Me(lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok {
			respondError(w, r, lg, auth.ErrUnauthenticated)
			return
		}
		respondJSON(w, map[string]any{
			"admin_id":              ac.AdminID,
			"auth_user_id":          ac.AuthUserID,
			"email":                 ac.Email,
			"role":                  ac.Role,
			"effective_permissions": ac.Access().Effective(),
			"session_id":            ac.SessionID,
		})
	}
}
