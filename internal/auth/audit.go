package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"domani/internal/models"
	"domani/internal/obs"
)

// AuditAction enumerates the security-relevant events written to the audit log.
type AuditAction string

const (
	AuditLogin            AuditAction = "login"
	AuditLoginAttempt     AuditAction = "login_attempt"
	AuditLoginError       AuditAction = "login_error"
	AuditLogout           AuditAction = "logout"
	AuditCreate           AuditAction = "create"
	AuditUpdate           AuditAction = "update"
	AuditDelete           AuditAction = "delete"
	AuditExport           AuditAction = "export"
	AuditPermissionChange AuditAction = "permission_change"
	AuditRoleChange       AuditAction = "role_change"
	AuditAccess           AuditAction = "access"
)

type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusFailure AuditStatus = "failure"
)

// RequestMeta carries the transport facts recorded with every event.
type RequestMeta struct {
	IP        string
	UserAgent string
	Method    string
	Path      string
}

// AuditEvent is one entry before it is persisted. AdminID and UserID are
// empty for pre-authentication failures.
type AuditEvent struct {
	Action  AuditAction
	Status  AuditStatus
	AdminID string
	UserID  string
	Details map[string]any
	Meta    RequestMeta
}

// Auditor is the single side-effecting sink every flow writes through.
type Auditor interface {
	Record(ctx context.Context, evt AuditEvent) error
}

// Recorder persists events to the audit store and mirrors them to the log.
type Recorder struct {
	store AuditStore
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewRecorder(store AuditStore, lg *zap.SugaredLogger) *Recorder {
	if lg == nil {
		lg = zap.NewNop().Sugar()
	}
	return &Recorder{store: store, log: lg, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, evt AuditEvent) error {
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		Action:    string(evt.Action),
		Status:    string(evt.Status),
		Metadata:  models.MustJSONB(detailsWithRequest(evt)),
		IP:        evt.Meta.IP,
		UserAgent: evt.Meta.UserAgent,
		CreatedAt: r.now().UTC(),
	}
	if evt.AdminID != "" {
		entry.AdminUserID = &evt.AdminID
	}
	if evt.UserID != "" {
		entry.UserID = &evt.UserID
	}
	obs.AuthEvent(entry.Action, entry.Status)
	r.log.Infow("audit",
		"action", entry.Action,
		"status", entry.Status,
		"admin_id", evt.AdminID,
		"user_id", evt.UserID,
		"ip", entry.IP,
		"details", evt.Details,
	)
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.log.Errorw("audit append failed", "action", entry.Action, "error", err)
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func detailsWithRequest(evt AuditEvent) map[string]any {
	out := make(map[string]any, len(evt.Details)+2)
	for k, v := range evt.Details {
		out[k] = v
	}
	if evt.Meta.Method != "" {
		out["method"] = evt.Meta.Method
	}
	if evt.Meta.Path != "" {
		out["path"] = evt.Meta.Path
	}
	return out
}
