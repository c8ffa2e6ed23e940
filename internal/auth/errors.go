package auth

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrAccountInactive    = errors.New("auth: account inactive")
	ErrTooManyAttempts    = errors.New("auth: too many attempts")

	ErrMalformed    = errors.New("auth: malformed token")
	ErrBadSignature = errors.New("auth: bad token signature")
	ErrExpired      = errors.New("auth: token expired")

	ErrUnauthenticated = errors.New("auth: no credentials presented")
	ErrSessionNotLive  = errors.New("auth: session is not live")
	ErrAlreadyRotated  = errors.New("auth: session already rotated")
	ErrReplayDetected  = errors.New("auth: refresh token replay")
	ErrNotFound        = errors.New("auth: not found")

	ErrInsufficientRole  = errors.New("auth: insufficient role")
	ErrMissingPermission = errors.New("auth: missing permission")
)

// HTTPStatus maps an error from this package onto the response status used
// at the HTTP boundary. Unknown errors are upstream failures.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrMalformed),
		errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrSessionNotLive),
		errors.Is(err, ErrReplayDetected),
		errors.Is(err, ErrAlreadyRotated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAccountLocked),
		errors.Is(err, ErrAccountInactive),
		errors.Is(err, ErrInsufficientRole),
		errors.Is(err, ErrMissingPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the stable machine-readable code sent to clients. Token
// failures collapse to "unauthorized" and policy failures to "forbidden" so
// the response does not reveal which check failed.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrAccountInactive):
		return "account_inactive"
	case errors.Is(err, ErrTooManyAttempts):
		return "too_many_attempts"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	switch HTTPStatus(err) {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	default:
		return "internal_error"
	}
}

// ErrorMessage is the human readable counterpart of ErrorCode.
func ErrorMessage(err error) string {
	switch ErrorCode(err) {
	case "invalid_input":
		return "invalid request"
	case "invalid_credentials":
		return "invalid email or password"
	case "account_locked":
		return "account temporarily locked"
	case "account_inactive":
		return "account is inactive"
	case "too_many_attempts":
		return "too many attempts, try again later"
	case "not_found":
		return "admin record not found"
	case "unauthorized":
		return "authentication required"
	case "forbidden":
		return "insufficient privileges"
	default:
		return "internal error"
	}
}
