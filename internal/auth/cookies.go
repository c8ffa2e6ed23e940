package auth

import (
	"net/http"
	"strings"
	"time"

	"domani/internal/util"
)

const (
	AccessCookieName  = "admin_token"
	RefreshCookieName = "admin_refresh"
)

// Cookies writes the access/refresh cookie pair. SecureMode is "always",
// "never" or "auto" (secure when the request arrived over TLS).
type Cookies struct {
	SecureMode string
	TrustProxy bool
}

func (c Cookies) secure(r *http.Request) bool {
	switch strings.ToLower(c.SecureMode) {
	case "always":
		return true
	case "never":
		return false
	}
	if r.TLS != nil {
		return true
	}
	return c.TrustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// Set writes both cookies. They are never written one at a time.
func (c Cookies) Set(w http.ResponseWriter, r *http.Request, issued *Issued, now time.Time) {
	secure := c.secure(r)
	http.SetCookie(w, c.cookie(AccessCookieName, issued.AccessToken, issued.AccessExpiresAt, now, secure))
	http.SetCookie(w, c.cookie(RefreshCookieName, issued.RefreshToken, issued.RefreshExpiresAt, now, secure))
}

// Clear expires both cookies.
func (c Cookies) Clear(w http.ResponseWriter, r *http.Request) {
	secure := c.secure(r)
	for _, name := range []string{AccessCookieName, RefreshCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
		})
	}
}

func (c Cookies) cookie(name, value string, expires, now time.Time, secure bool) *http.Cookie {
	maxAge := int(expires.Sub(now).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
		Expires:  expires,
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// AccessToken returns the access cookie value, or "".
func AccessToken(r *http.Request) string { return cookieValue(r, AccessCookieName) }

// RefreshToken returns the refresh cookie value, or "".
func RefreshToken(r *http.Request) string { return cookieValue(r, RefreshCookieName) }

// MetaFromRequest captures the request facts recorded with audit events.
func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		IP:        util.ClientIP(r),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
}
