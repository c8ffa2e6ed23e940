package util

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type APIError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// WriteError writes the uniform error body, tagged with the chi request id.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	WriteJSON(w, status, APIError{Error: code, Message: msg, RequestID: middleware.GetReqID(r.Context())})
}

// ClientIP returns the remote host. Proxy headers are honored upstream by
// chi's RealIP middleware when the deployment trusts its proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
