package handlers

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"domani/internal/auth"
	"domani/internal/models"
)

// parseAuditQuery reads action, status, admin_id, since (RFC3339), limit and
// offset. ?mine=1 restricts the listing to the caller's own entries.
func parseAuditQuery(r *http.Request) (auth.AuditQuery, error) {
	q := r.URL.Query()
	out := auth.AuditQuery{
		Action:  strings.TrimSpace(q.Get("action")),
		Status:  strings.TrimSpace(q.Get("status")),
		AdminID: strings.TrimSpace(q.Get("admin_id")),
	}
	if q.Get("mine") == "1" {
		out.AdminID = auth.AdminID(r.Context())
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return out, auth.ErrInvalidInput
		}
		out.Since = t
	}
	for name, dst := range map[string]*int{"limit": &out.Limit, "offset": &out.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return out, auth.ErrInvalidInput
			}
			*dst = n
		}
	}
	return out, nil
}

func AuditLogs(store auth.AuditStore, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseAuditQuery(r)
		if err != nil {
			badRequest(w, r, "invalid audit query")
			return
		}
		logs, err := store.ListAudit(r.Context(), q)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if logs == nil {
			logs = []models.AuditLog{}
		}
		respondJSON(w, logs)
	}
}

var auditCSVHeader = []string{"id", "created_at", "action", "status", "admin_user_id", "user_id", "ip", "user_agent", "metadata"}

// ExportAuditLogs streams the matching entries as CSV and records the export.
func ExportAuditLogs(store auth.AuditStore, svc *auth.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseAuditQuery(r)
		if err != nil {
			badRequest(w, r, "invalid audit query")
			return
		}
		if q.Limit == 0 {
			q.Limit = 1000
		}
		logs, err := store.ListAudit(r.Context(), q)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := audit(r, svc, auth.AuditExport, map[string]any{
			"resource": string(auth.ResourceAuditLog),
			"rows":     len(logs),
			"action":   q.Action,
			"status":   q.Status,
		}); err != nil {
			respondError(w, r, lg, err)
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-log.csv"`)
		cw := csv.NewWriter(w)
		_ = cw.Write(auditCSVHeader)
		for _, e := range logs {
			_ = cw.Write([]string{
				e.ID,
				e.CreatedAt.UTC().Format(time.RFC3339),
				e.Action,
				e.Status,
				deref(e.AdminUserID),
				deref(e.UserID),
				e.IP,
				e.UserAgent,
				string(e.Metadata),
			})
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			lg.Errorw("audit export write failed", "error", err)
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
