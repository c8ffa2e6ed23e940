package auth

import (
	"context"
	"time"

	"domani/internal/models"
)

// Admin is an admin registry record joined with its identity.
type Admin struct {
	models.AdminUser
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
}

// Access decodes the stored role and explicit grants. A record with an
// unknown role or unreadable grants resolves to no access at all.
func (a *Admin) Access() Access {
	role := Role(a.Role)
	if !role.Valid() {
		return Access{}
	}
	var grants []Grant
	if err := a.Permissions.Decode(&grants); err != nil {
		return Access{Role: role}
	}
	return Access{Role: role, Grants: NormalizeGrants(grants)}
}

// LockedAt reports whether a lockout is in force at now.
func (a *Admin) LockedAt(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// AdminStore is the admin registry. Lookups return ErrNotFound when absent.
type AdminStore interface {
	FindAdminByEmail(ctx context.Context, email string) (*Admin, error)
	FindAdminByAuthUser(ctx context.Context, authUserID string) (*Admin, error)
	FindAdmin(ctx context.Context, adminID string) (*Admin, error)

	// RecordLoginFailure counts one failed password check at now in a single
	// conditional update. Failures older than the policy window no longer
	// count. Reaching the threshold locks the admin for one window and resets
	// the counter. A row already locked at now is left untouched.
	RecordLoginFailure(ctx context.Context, adminID string, policy Lockout, now time.Time) (LoginFailure, error)
	// RecordLoginSuccess clears the counter and stamps the login, unless a
	// lockout is in force at at, in which case it returns ErrAccountLocked.
	RecordLoginSuccess(ctx context.Context, adminID string, at time.Time) error
}

// Lockout is the failed-login policy applied by the admin store.
type Lockout struct {
	Threshold int
	Window    time.Duration
}

// LoginFailure is the outcome of recording one failed password check.
type LoginFailure int

const (
	FailureCounted LoginFailure = iota
	// FailureLocked means this failure reached the threshold.
	FailureLocked
	// FailureAlreadyLocked means a lockout was in force before this attempt.
	FailureAlreadyLocked
)

// SessionStore persists issued logins.
type SessionStore interface {
	CreateSession(ctx context.Context, adminID, authUserID string, expiresAt time.Time) (*models.Session, error)
	// InvalidateSession is idempotent.
	InvalidateSession(ctx context.Context, sessionID string) error
	// GetLiveSession returns ErrNotFound for unknown or invalidated sessions.
	GetLiveSession(ctx context.Context, sessionID string) (*models.Session, error)
	// RotateSession atomically invalidates oldSessionID and creates its
	// successor for the same admin. It returns ErrAlreadyRotated when
	// oldSessionID is no longer live.
	RotateSession(ctx context.Context, oldSessionID string, expiresAt time.Time) (*models.Session, error)
	InvalidateAdminSessions(ctx context.Context, adminID string) (int64, error)
}

type AuditQuery struct {
	Action  string
	AdminID string
	Status  string
	Since   time.Time
	Limit   int
	Offset  int
}

// AuditStore appends immutable entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *models.AuditLog) error
	ListAudit(ctx context.Context, q AuditQuery) ([]models.AuditLog, error)
}

// Store is everything the core needs from the data store.
type Store interface {
	AdminStore
	SessionStore
	AuditStore
}
