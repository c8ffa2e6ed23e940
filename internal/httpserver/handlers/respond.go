package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"domani/internal/auth"
	"domani/internal/util"
)

const maxBodyBytes = 64 << 10

func respondJSON(w http.ResponseWriter, v interface{}) {
	util.WriteJSON(w, http.StatusOK, v)
}

// respondError writes the uniform error body for err. Upstream failures are
// logged; their details never reach the client.
func respondError(w http.ResponseWriter, r *http.Request, lg *zap.SugaredLogger, err error) {
	status := auth.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		lg.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	util.WriteError(w, r, status, auth.ErrorCode(err), auth.ErrorMessage(err))
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	util.WriteError(w, r, http.StatusBadRequest, "invalid_input", msg)
}

// decodeJSON reads one JSON object from a size-capped body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data", auth.ErrInvalidInput)
	}
	return nil
}

type adminView struct {
	ID             string       `json:"id"`
	AuthUserID     string       `json:"auth_user_id"`
	Email          string       `json:"email"`
	Role           auth.Role    `json:"role"`
	Permissions    []auth.Grant `json:"permissions"`
	Effective      []auth.Grant `json:"effective_permissions"`
	IsActive       bool         `json:"is_active"`
	FailedAttempts int          `json:"failed_attempts"`
	LockedUntil    *time.Time   `json:"locked_until,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	LastLoginAt    *time.Time   `json:"last_login_at,omitempty"`
}

func viewAdmin(a *auth.Admin) adminView {
	access := a.Access()
	grants := access.Grants
	if grants == nil {
		grants = []auth.Grant{}
	}
	return adminView{
		ID:             a.ID,
		AuthUserID:     a.AuthUserID,
		Email:          a.Email,
		Role:           auth.Role(a.Role),
		Permissions:    grants,
		Effective:      access.Effective(),
		IsActive:       a.IsActive,
		FailedAttempts: a.FailedAttempts,
		LockedUntil:    a.LockedUntil,
		CreatedAt:      a.CreatedAt,
		LastLoginAt:    a.LastLoginAt,
	}
}

type sessionView struct {
	ID              string    `json:"id"`
	ExpiresAt       time.Time `json:"expires_at"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}
